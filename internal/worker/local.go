package worker

// ============================================================================
// 本機引擎：透過 stub 交換資料的 PSI / MPC 實作
// ============================================================================
//
// 不依賴外部 PSI / MPC 服務，適用於 demo 與多方整合測試。
//
// PSI：各方對 id 取 SHA-256（以 job id 為鹽），非主動方把雜湊推給主動方，
//      主動方求交後（syncResult 時）把結果推回各方，各方還原成自己的 id。
// MPC：各方把資料列數推給主動方，主動方彙總；receiveResult 時推回各方。
//
// 所有 push / pull 以 job id 為 task id，job 被 kill 時 pull 會立即返回。
//
// ============================================================================

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
	"github.com/ChuLiYu/ppc-flow/pkg/types"
)

// RegisterLocalBodies 註冊以 stub 交換資料的 PSI 與 MPC
func RegisterLocalBodies(f *Factory, d Deps) {
	f.Register(types.WorkerPSI, d.newLocalPSI)
	f.Register(types.WorkerMPC, d.newLocalMPC)
}

func hashID(jobID, id string) string {
	sum := sha256.Sum256([]byte(jobID + ":" + id))
	return hex.EncodeToString(sum[:])
}

func encodeLines(lines []string) []byte {
	return []byte(strings.Join(lines, "\n"))
}

func decodeLines(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	return strings.Split(string(b), "\n")
}

func (d Deps) newLocalPSI(jobCtx *types.JobContext, workerID string, a types.WorkerArgs) (Body, error) {
	args, ok := a.(*types.PsiArgs)
	if !ok {
		return nil, ppcerr.Newf(ppcerr.KindValidation, "psi worker %s needs PsiArgs, got %T", workerID, a)
	}
	if d.Messenger == nil {
		return nil, ppcerr.New(ppcerr.KindValidation, "local psi needs a message stub")
	}
	return BodyFunc(func(ctx context.Context, inputs []string) ([]string, error) {
		jobID := jobCtx.JobID()
		src, err := d.resolveInput(ctx, jobCtx, inputs, args.InputPath, PSIInputFile)
		if err != nil {
			return nil, err
		}
		ids, err := readIDs(src, psiField(args.Fields, jobCtx.MyIndex()))
		if err != nil {
			return nil, err
		}

		byHash := make(map[string]string, len(ids))
		hashes := make([]string, 0, len(ids))
		for _, id := range ids {
			h := hashID(jobID, id)
			if _, dup := byHash[h]; dup {
				continue
			}
			byHash[h] = id
			hashes = append(hashes, h)
		}

		idsKey, resultKey := workerID+":ids", workerID+":result"
		var matched []string
		if jobCtx.IsActiveParty() {
			set := make(map[string]bool, len(hashes))
			for _, h := range hashes {
				set[h] = true
			}
			for _, peer := range jobCtx.Participants()[1:] {
				data, err := d.Messenger.Pull(ctx, peer, jobID, idsKey)
				if err != nil {
					return nil, err
				}
				next := make(map[string]bool)
				for _, h := range decodeLines(data) {
					if set[h] {
						next[h] = true
					}
				}
				set = next
			}
			for h := range set {
				matched = append(matched, h)
			}
			sort.Strings(matched)
			if args.SyncResult {
				for _, peer := range jobCtx.Participants()[1:] {
					if err := d.Messenger.Push(ctx, peer, jobID, resultKey, encodeLines(matched)); err != nil {
						return nil, err
					}
				}
			}
		} else {
			if err := d.Messenger.Push(ctx, jobCtx.ActiveParty(), jobID, idsKey, encodeLines(hashes)); err != nil {
				return nil, err
			}
			if args.SyncResult {
				data, err := d.Messenger.Pull(ctx, jobCtx.ActiveParty(), jobID, resultKey)
				if err != nil {
					return nil, err
				}
				matched = decodeLines(data)
			}
		}

		result := make([]string, 0, len(matched))
		for _, h := range matched {
			if id, ok := byHash[h]; ok {
				result = append(result, id)
			}
		}
		sort.Strings(result)
		log.Info("Local psi finished", "job", jobID, "records", len(ids), "intersection", len(result))

		var buf bytes.Buffer
		buf.WriteString("id\n")
		for _, id := range result {
			buf.WriteString(id)
			buf.WriteByte('\n')
		}
		path, err := d.saveResult(ctx, jobID, PSIResultFile, buf.Bytes())
		if err != nil {
			return nil, err
		}
		return []string{path}, nil
	}), nil
}

func (d Deps) newLocalMPC(jobCtx *types.JobContext, workerID string, a types.WorkerArgs) (Body, error) {
	args, ok := a.(*types.MpcArgs)
	if !ok {
		return nil, ppcerr.Newf(ppcerr.KindValidation, "mpc worker %s needs MpcArgs, got %T", workerID, a)
	}
	if d.Messenger == nil {
		return nil, ppcerr.New(ppcerr.KindValidation, "local mpc needs a message stub")
	}
	return BodyFunc(func(ctx context.Context, inputs []string) ([]string, error) {
		jobID := jobCtx.JobID()
		src, err := d.resolveInput(ctx, jobCtx, inputs, args.InputFilePath, MPCInputFile)
		if err != nil {
			return nil, err
		}
		count, err := countRecords(src)
		if err != nil {
			return nil, err
		}

		countKey, resultKey := workerID+":count", workerID+":result"
		var output []byte
		if jobCtx.IsActiveParty() {
			var fields, values []string
			total := count
			fields = append(fields, "source0_record_count")
			values = append(values, strconv.Itoa(count))
			for i, peer := range jobCtx.Participants()[1:] {
				data, err := d.Messenger.Pull(ctx, peer, jobID, countKey)
				if err != nil {
					return nil, err
				}
				n, err := strconv.Atoi(string(data))
				if err != nil {
					return nil, ppcerr.Newf(ppcerr.KindInternal, "bad record count from %s: %q", peer, data)
				}
				total += n
				fields = append(fields, fmt.Sprintf("source%d_record_count", i+1))
				values = append(values, strconv.Itoa(n))
			}
			fields = append(fields, "total_record_count")
			values = append(values, strconv.Itoa(total))
			output = []byte(resultFieldsFlag + " = " + strings.Join(fields, " ") + "\n" +
				resultValuesFlag + " = " + strings.Join(values, " ") + "\n")
			if args.ReceiveResult {
				for _, peer := range jobCtx.Participants()[1:] {
					if err := d.Messenger.Push(ctx, peer, jobID, resultKey, output); err != nil {
						return nil, err
					}
				}
			}
		} else {
			if err := d.Messenger.Push(ctx, jobCtx.ActiveParty(), jobID, countKey, []byte(strconv.Itoa(count))); err != nil {
				return nil, err
			}
			if !args.ReceiveResult {
				return []string{}, nil
			}
			if output, err = d.Messenger.Pull(ctx, jobCtx.ActiveParty(), jobID, resultKey); err != nil {
				return nil, err
			}
		}

		if _, err := d.Workspace.WriteJobFile(jobID, MPCOutputFile, output); err != nil {
			return nil, err
		}
		path, err := d.saveResult(ctx, jobID, MPCResultFile, parseMPCOutput(output))
		if err != nil {
			return nil, err
		}
		log.Info("Local mpc finished", "job", jobID, "records", count)
		return []string{path}, nil
	}), nil
}
