package worker

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
)

// job 目錄與遠端儲存下的檔名
const (
	PSIInputFile   = "psi_input.csv"
	PSIPrepareFile = "psi_prepare.csv"
	PSIResultFile  = "psi_result.csv"
	MPCInputFile   = "mpc_input.csv"
	MPCPrepareFile = "mpc_prepare.csv"
	MPCOutputFile  = "mpc_output.txt"
	MPCResultFile  = "mpc_result.csv"
)

// MPC 程式內容中的佔位符與輸出標記
const (
	MPCRecordPlaceholder = "$(ppc_max_record_count)"
	resultFieldsFlag     = "result_fields"
	resultValuesFlag     = "result_values"
	multiFieldSep        = "==="
	defaultBitLength     = 64
)

var (
	bitLengthRe   = regexp.MustCompile(`(?m)^#\s*BIT_LENGTH\s*=\s*(\d+)`)
	columnCountRe = regexp.MustCompile(`source(\d+)_column_count\s*=\s*(\d+)`)
)

// psiField 取得本方求交欄位；fields 以逗號分隔，依參與方位置對應，空值為 "id"
func psiField(fields string, myIndex int) string {
	parts := strings.Split(fields, ",")
	f := ""
	if myIndex >= 0 && myIndex < len(parts) {
		f = strings.ToLower(strings.TrimSpace(parts[myIndex]))
	}
	if f == "" {
		f = "id"
	}
	return f
}

func openCSV(path string) (*os.File, *csv.Reader, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open dataset: %w", err)
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		f.Close()
		if errors.Is(err, io.EOF) {
			return nil, nil, nil, ppcerr.Newf(ppcerr.KindValidation, "dataset %s is empty", path)
		}
		return nil, nil, nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff")))
	}
	return f, r, header, nil
}

// readIDs 讀取求交欄位；"a===b" 表示多欄位，值以 "-" 串接
func readIDs(path, field string) ([]string, error) {
	f, r, header, err := openCSV(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var idx []int
	for _, name := range strings.Split(field, multiFieldSep) {
		i := indexOf(header, strings.TrimSpace(name))
		if i < 0 {
			return nil, ppcerr.Newf(ppcerr.KindValidation, "field %q not found in dataset header %v", name, header)
		}
		idx = append(idx, i)
	}

	var ids []string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read dataset: %w", err)
		}
		vals := make([]string, 0, len(idx))
		for _, i := range idx {
			if i >= len(rec) {
				vals = nil
				break
			}
			vals = append(vals, strings.TrimSpace(rec[i]))
		}
		if len(vals) == 0 || strings.Join(vals, "") == "" {
			continue
		}
		ids = append(ids, strings.Join(vals, "-"))
	}
	return ids, nil
}

// countRecords 資料列數（不含表頭與空行）
func countRecords(path string) (int, error) {
	f, r, _, err := openCSV(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read dataset: %w", err)
		}
		if len(rec) > 0 && strings.Join(rec, "") != "" {
			n++
		}
	}
}

// toMPCInput 去掉 id 欄，取前 columns 欄，以空白分隔輸出
func toMPCInput(path string, columns int) ([]byte, int, error) {
	f, r, header, err := openCSV(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	skip := indexOf(header, "id")
	if available := len(header) - btoi(skip >= 0); columns > available {
		return nil, 0, ppcerr.Newf(ppcerr.KindValidation, "dataset has %d value columns, mpc needs %d", available, columns)
	}

	var buf bytes.Buffer
	n := 0
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read dataset: %w", err)
		}
		vals := make([]string, 0, columns)
		for i, v := range rec {
			if i == skip {
				continue
			}
			if len(vals) == columns {
				break
			}
			vals = append(vals, strings.TrimSpace(v))
		}
		if len(vals) < columns {
			continue
		}
		buf.WriteString(strings.Join(vals, " "))
		buf.WriteByte('\n')
		n++
	}
	return buf.Bytes(), n, nil
}

// mpcBitLength 從 "# BIT_LENGTH = n" 取得位元長度，預設 64
func mpcBitLength(content string) int {
	if m := bitLengthRe.FindStringSubmatch(content); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	return defaultBitLength
}

// mpcColumnCount 從 "source{i}_column_count = n" 取得本方欄數
func mpcColumnCount(content string, myIndex int) (int, bool) {
	for _, m := range columnCountRe.FindAllStringSubmatch(content, -1) {
		if idx, _ := strconv.Atoi(m[1]); idx == myIndex {
			n, err := strconv.Atoi(m[2])
			return n, err == nil
		}
	}
	return 0, false
}

// parseMPCOutput 將 MPC 輸出（result_fields / result_values 行）轉為 CSV
func parseMPCOutput(output []byte) []byte {
	fields := []string{"id"}
	var rows [][]string
	hasFields := false

	sc := bufio.NewScanner(bytes.NewReader(output))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		switch {
		case strings.Contains(line[:eq], resultFieldsFlag) && !hasFields:
			hasFields = true
			fields = append(fields, strings.Fields(line[eq+1:])...)
		case strings.Contains(line[:eq], resultValuesFlag):
			rows = append(rows, strings.Fields(line[eq+1:]))
		}
	}
	if !hasFields && len(rows) > 0 {
		for i := range rows[0] {
			fields = append(fields, "result"+strconv.Itoa(i))
		}
	}

	var buf bytes.Buffer
	buf.WriteString(strings.Join(fields, ","))
	buf.WriteByte('\n')
	for i, row := range rows {
		buf.WriteString(strconv.Itoa(i))
		for _, v := range row {
			buf.WriteByte(',')
			buf.WriteString(v)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}
