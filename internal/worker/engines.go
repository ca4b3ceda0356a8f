package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/ppc-flow/internal/storage/blob"
	"github.com/ChuLiYu/ppc-flow/internal/workspace"
	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
	"github.com/ChuLiYu/ppc-flow/pkg/types"
)

// ModelRunner 在 model 節點上執行 task 並等待結束
type ModelRunner interface {
	Run(ctx context.Context, args *types.ModelTaskArgs) (*types.TaskStatusData, error)
}

// ServiceRunner 提交 PSI / MPC 任務並等待結束
type ServiceRunner interface {
	Run(ctx context.Context, taskID string, jobInfo any) (json.RawMessage, error)
}

// Messenger 跨方訊息通道（stub）
type Messenger interface {
	Push(ctx context.Context, receiver, taskID, key string, data []byte) error
	Pull(ctx context.Context, sender, taskID, key string) ([]byte, error)
}

// Deps 內建 body 的外部依賴，未設定的依賴對應的類型不會被註冊
type Deps struct {
	AgencyID  string
	Model     ModelRunner
	PSI       ServiceRunner
	MPC       ServiceRunner
	Messenger Messenger
	Blob      blob.Store // 可為 nil
	Workspace *workspace.Manager
}

// RegisterServiceBodies 註冊委派給外部服務的實作
func RegisterServiceBodies(f *Factory, d Deps) {
	if d.Model != nil {
		for _, t := range []types.WorkerType{
			types.WorkerPreprocessing, types.WorkerFeatureEngineering,
			types.WorkerTraining, types.WorkerPrediction,
		} {
			f.Register(t, d.modelBody(t))
		}
	}
	if d.PSI != nil {
		f.Register(types.WorkerPSI, d.newPSIService)
	}
	if d.MPC != nil {
		f.Register(types.WorkerMPC, d.newMPCService)
	}
}

// ============================================================================
// 輸入檔案
// ============================================================================

// resolveInput 依序使用上游輸出、args 路徑、job 目錄下的 dataset.csv
//
// 路徑中的 {agency} 與 {job} 會被替換；本機不存在時從遠端儲存下載。
func (d Deps) resolveInput(ctx context.Context, jobCtx *types.JobContext, inputs []string, argPath, localName string) (string, error) {
	src := argPath
	if len(inputs) > 0 && inputs[0] != "" {
		src = inputs[0]
	}
	if src == "" {
		src = filepath.Join(jobCtx.Workspace(), "dataset.csv")
	}
	src = strings.NewReplacer("{agency}", d.AgencyID, "{job}", jobCtx.JobID()).Replace(src)

	if _, err := os.Stat(src); err == nil {
		return src, nil
	}
	if d.Blob == nil {
		return "", ppcerr.Newf(ppcerr.KindValidation, "input %s not found", src)
	}
	dir, err := d.Workspace.JobDir(jobCtx.JobID())
	if err != nil {
		return "", err
	}
	local := filepath.Join(dir, localName)
	if err := blob.DownloadFile(ctx, d.Blob, src, local); err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return "", ppcerr.Wrap(ppcerr.KindValidation, err, "input "+src)
		}
		return "", err
	}
	return local, nil
}

// saveResult 寫入 job 目錄並上傳（若有遠端儲存）
func (d Deps) saveResult(ctx context.Context, jobID, name string, data []byte) (string, error) {
	path, err := d.Workspace.WriteJobFile(jobID, name, data)
	if err != nil {
		return "", err
	}
	if d.Blob != nil {
		if err := blob.UploadFile(ctx, d.Blob, path, remoteKey(jobID, name)); err != nil {
			return "", err
		}
	}
	return path, nil
}

func remoteKey(jobID, name string) string { return jobID + "/" + name }

// ============================================================================
// model 節點
// ============================================================================

func (d Deps) modelBody(t types.WorkerType) Constructor {
	return func(jobCtx *types.JobContext, workerID string, a types.WorkerArgs) (Body, error) {
		args, ok := a.(*types.ModelArgs)
		if !ok {
			return nil, ppcerr.Newf(ppcerr.KindValidation, "model worker %s needs ModelArgs, got %T", workerID, a)
		}
		task, err := modelTaskArgs(jobCtx, d.AgencyID, t, args)
		if err != nil {
			return nil, err
		}
		return BodyFunc(func(ctx context.Context, _ []string) ([]string, error) {
			start := time.Now()
			log.Info("Start model task", "job", task.JobID, "task", task.TaskID, "type", task.TaskType)
			if _, err := d.Model.Run(ctx, task); err != nil {
				return nil, err
			}
			log.Info("Model task success", "job", task.JobID, "task", task.TaskID, "elapsed", time.Since(start))
			return []string{task.TaskID}, nil
		}), nil
	}
}

// modelTaskArgs 依 worker 類型決定 task id 後綴與 task 類型
func modelTaskArgs(jobCtx *types.JobContext, agencyID string, t types.WorkerType, args *types.ModelArgs) (*types.ModelTaskArgs, error) {
	lr := strings.HasPrefix(strings.ToUpper(args.Algorithm), "LR")
	var suffix string
	var task types.ModelTask
	switch t {
	case types.WorkerPreprocessing:
		suffix, task = "_d", types.ModelPreprocessing
	case types.WorkerFeatureEngineering:
		suffix, task = "_f", types.ModelFeatureEngineering
	case types.WorkerTraining:
		suffix, task = "_t", types.ModelXGBTraining
		if lr {
			task = types.ModelLRTraining
		}
	case types.WorkerPrediction:
		suffix, task = "_p", types.ModelXGBPredicting
		if lr {
			task = types.ModelLRPredicting
		}
	default:
		return nil, ppcerr.Newf(ppcerr.KindValidation, "%s is not a model worker type", t)
	}

	algorithm := args.Algorithm
	if algorithm == "" {
		algorithm = jobCtx.JobType()
	}
	labelHolder := jobCtx.ActiveParty()
	if v, ok := jobCtx.Param("label_holder"); ok {
		if s, ok := v.(string); ok && s != "" {
			labelHolder = s
		}
	}
	receivers := jobCtx.Participants()
	if v, ok := jobCtx.Param("result_receivers"); ok {
		if list, ok := v.([]any); ok {
			receivers = receivers[:0]
			for _, r := range list {
				if s, ok := r.(string); ok {
					receivers = append(receivers, s)
				}
			}
		}
	}
	return &types.ModelTaskArgs{
		JobID:        jobCtx.JobID(),
		TaskID:       jobCtx.JobID() + suffix,
		TaskType:     task,
		Participants: jobCtx.Participants(),
		Receivers:    receivers,
		IsLabelOwner: labelHolder == agencyID,
		DatasetID:    args.DatasetID,
		Algorithm:    algorithm,
		Predict:      args.PredictAlgorithm,
		ModelDict:    args.ModelDict,
	}, nil
}

// ============================================================================
// PSI / MPC 服務
// ============================================================================

type psiParty struct {
	ID         string   `json:"id"`
	PartyIndex int      `json:"partyIndex"`
	Data       *psiData `json:"data,omitempty"`
}

type psiData struct {
	ID     string  `json:"id"`
	Input  psiPath `json:"input"`
	Output psiPath `json:"output"`
}

type psiPath struct {
	Type int    `json:"type"`
	Path string `json:"path"`
}

type psiJobInfo struct {
	TaskID       string     `json:"taskID"`
	Type         int        `json:"type"`
	Algorithm    int        `json:"algorithm"`
	SyncResult   bool       `json:"syncResult"`
	LowBandwidth bool       `json:"lowBandwidth"`
	ReceiverList []string   `json:"receiverList,omitempty"`
	Parties      []psiParty `json:"parties"`
}

const (
	psiAlgorithmTwoParty   = 0
	psiAlgorithmMultiParty = 4
	psiStorageRemote       = 2
)

// psiJob 兩方時對方在前、本方在後；多方時第 0 位為 calculator、最後一位為 master
func psiJob(jobCtx *types.JobContext, args *types.PsiArgs) psiJobInfo {
	jobID := jobCtx.JobID()
	mine := &psiData{
		ID:     jobID,
		Input:  psiPath{Type: psiStorageRemote, Path: remoteKey(jobID, PSIPrepareFile)},
		Output: psiPath{Type: psiStorageRemote, Path: remoteKey(jobID, PSIResultFile)},
	}
	parts := jobCtx.Participants()
	info := psiJobInfo{
		TaskID:       jobID,
		SyncResult:   true,
		LowBandwidth: args.LowBandwidth,
	}
	if len(parts) == 2 {
		other := 1 - jobCtx.MyIndex()
		info.Algorithm = psiAlgorithmTwoParty
		info.Parties = []psiParty{
			{ID: parts[other], PartyIndex: other},
			{ID: jobCtx.Self(), PartyIndex: jobCtx.MyIndex(), Data: mine},
		}
		return info
	}

	info.Algorithm = psiAlgorithmMultiParty
	info.ReceiverList = args.ReceiverList
	for i, id := range parts {
		role := 1
		switch i {
		case 0:
			role = 0
		case len(parts) - 1:
			role = 2
		}
		p := psiParty{ID: id, PartyIndex: role}
		if i == jobCtx.MyIndex() {
			p.Data = mine
		}
		info.Parties = append(info.Parties, p)
	}
	return info
}

func (d Deps) newPSIService(jobCtx *types.JobContext, workerID string, a types.WorkerArgs) (Body, error) {
	args, ok := a.(*types.PsiArgs)
	if !ok {
		return nil, ppcerr.Newf(ppcerr.KindValidation, "psi worker %s needs PsiArgs, got %T", workerID, a)
	}
	return BodyFunc(func(ctx context.Context, inputs []string) ([]string, error) {
		jobID := jobCtx.JobID()
		start := time.Now()
		src, err := d.resolveInput(ctx, jobCtx, inputs, args.InputPath, PSIInputFile)
		if err != nil {
			return nil, err
		}
		ids, err := readIDs(src, psiField(args.Fields, jobCtx.MyIndex()))
		if err != nil {
			return nil, err
		}
		if _, err := d.saveResult(ctx, jobID, PSIPrepareFile, []byte(strings.Join(ids, "\n")+"\n")); err != nil {
			return nil, fmt.Errorf("prepare psi input: %w", err)
		}

		log.Info("Compute psi", "job", jobID, "parties", len(jobCtx.Participants()), "records", len(ids))
		result, err := d.PSI.Run(ctx, jobID, psiJob(jobCtx, args))
		if err != nil {
			return nil, err
		}
		log.Info("Call psi service successfully", "job", jobID, "result", string(result), "elapsed", time.Since(start))
		return []string{remoteKey(jobID, PSIResultFile)}, nil
	}), nil
}

type mpcJobInfo struct {
	JobID             string `json:"jobId"`
	MpcNodeUseGateway bool   `json:"mpcNodeUseGateway"`
	ParticipantCount  int    `json:"participantCount"`
	SelfIndex         int    `json:"selfIndex"`
	BitLength         int    `json:"bitLength"`
	InputFileName     string `json:"inputFileName"`
	OutputFileName    string `json:"outputFileName"`
}

func (d Deps) newMPCService(jobCtx *types.JobContext, workerID string, a types.WorkerArgs) (Body, error) {
	args, ok := a.(*types.MpcArgs)
	if !ok {
		return nil, ppcerr.Newf(ppcerr.KindValidation, "mpc worker %s needs MpcArgs, got %T", workerID, a)
	}
	return BodyFunc(func(ctx context.Context, inputs []string) ([]string, error) {
		jobID := jobCtx.JobID()
		self := jobCtx.MyIndex()
		start := time.Now()

		bitLength := args.BitLength
		if bitLength == 0 {
			bitLength = mpcBitLength(args.MpcContent)
		}
		columns, ok := mpcColumnCount(args.MpcContent, self)
		if !ok {
			return nil, ppcerr.Newf(ppcerr.KindValidation, "mpc content does not declare source%d_column_count", self)
		}

		src, err := d.resolveInput(ctx, jobCtx, inputs, args.InputFilePath, MPCInputFile)
		if err != nil {
			return nil, err
		}
		prepared, records, err := toMPCInput(src, columns)
		if err != nil {
			return nil, err
		}
		prepareName := fmt.Sprintf("%s-P%d-0", MPCPrepareFile, self)
		if _, err := d.saveResult(ctx, jobID, prepareName, prepared); err != nil {
			return nil, fmt.Errorf("prepare mpc input: %w", err)
		}
		content := strings.ReplaceAll(args.MpcContent, MPCRecordPlaceholder, fmt.Sprint(records))
		if _, err := d.saveResult(ctx, jobID, jobID+".mpc", []byte(content)); err != nil {
			return nil, err
		}

		info := mpcJobInfo{
			JobID:            jobID,
			ParticipantCount: len(jobCtx.Participants()),
			SelfIndex:        self,
			BitLength:        bitLength,
			InputFileName:    prepareName,
			OutputFileName:   MPCOutputFile,
		}
		log.Info("Call run_mpc_job", "job", jobID, "self_index", self, "records", records)
		if _, err := d.MPC.Run(ctx, jobID, info); err != nil {
			return nil, err
		}

		if !args.ReceiveResult {
			log.Info("Mpc job finished", "job", jobID, "elapsed", time.Since(start))
			return []string{}, nil
		}
		output, err := d.readOutput(ctx, jobID, MPCOutputFile)
		if err != nil {
			return nil, err
		}
		path, err := d.saveResult(ctx, jobID, MPCResultFile, parseMPCOutput(output))
		if err != nil {
			return nil, err
		}
		log.Info("Mpc job finished", "job", jobID, "elapsed", time.Since(start))
		return []string{path}, nil
	}), nil
}

// readOutput 優先讀 job 目錄，沒有時從遠端儲存讀
func (d Deps) readOutput(ctx context.Context, jobID, name string) ([]byte, error) {
	dir, err := d.Workspace.JobDir(jobID)
	if err != nil {
		return nil, err
	}
	if b, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
		return b, nil
	}
	if d.Blob == nil {
		return nil, ppcerr.Newf(ppcerr.KindNotFound, "mpc output %s not found", name)
	}
	return blob.GetData(ctx, d.Blob, remoteKey(jobID, name))
}
