package scheduler

import (
	"sort"

	"github.com/ChuLiYu/ppc-flow/internal/worker"
	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
	"github.com/ChuLiYu/ppc-flow/pkg/types"
)

// trigger 節點的觸發條件
type trigger int

const (
	allSuccessful trigger = iota // 所有上游成功
	anyFailed                    // 任一上游失敗
)

// State 節點在一次執行中的狀態
type State string

const (
	StatePending        State = "PENDING"
	StateSuccess        State = "SUCCESS"
	StateFailed         State = "FAILED"
	StateUpstreamFailed State = "UPSTREAM_FAILED"
	StateSkipped        State = "SKIPPED"
)

type node struct {
	id          string
	typ         types.WorkerType
	args        types.WorkerArgs
	persisted   types.WorkerStatus
	inputs      []types.InputStatement
	trigger     trigger
	upstreams   []string
	downstreams []string

	// 以下欄位由執行該節點的 goroutine 寫入，完成訊號送出後由主迴圈讀取
	state   State
	outputs []string
	err     error
}

func (n *node) sentinel() bool { return n.typ.IsSentinel() }

// graph 一個 job 的執行圖：worker 節點加上兩個 sentinel
type graph struct {
	jobID   string
	nodes   map[string]*node
	order   []string // 拓撲序
	success *node
	failure *node
}

// newGraph 由 flow 建立執行圖；上游不存在或有環時回傳 Validation 錯誤
func newGraph(jobID string, flow types.Flow) (*graph, error) {
	g := &graph{jobID: jobID, nodes: make(map[string]*node, len(flow)+2)}

	ids := make([]string, 0, len(flow))
	for id := range flow {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		wc := flow[id]
		if wc.Type.IsSentinel() {
			return nil, ppcerr.Newf(ppcerr.KindValidation, "worker %s: sentinel types cannot be declared", id)
		}
		g.nodes[id] = &node{
			id:        id,
			typ:       wc.Type,
			args:      wc.Args,
			persisted: wc.Status,
			inputs:    wc.InputsStatement,
			upstreams: append([]string(nil), wc.Upstreams...),
			state:     StatePending,
		}
	}
	for _, id := range ids {
		n := g.nodes[id]
		for _, up := range n.upstreams {
			u, ok := g.nodes[up]
			if !ok {
				return nil, ppcerr.Newf(ppcerr.KindValidation, "worker %s: unknown upstream %s", id, up)
			}
			u.downstreams = append(u.downstreams, id)
		}
		for _, in := range n.inputs {
			if _, ok := g.nodes[in.Upstream]; !ok {
				return nil, ppcerr.Newf(ppcerr.KindValidation, "worker %s: input from unknown upstream %s", id, in.Upstream)
			}
		}
	}

	g.success = g.addSentinel(types.SuccessID(jobID), types.WorkerOnSuccess, allSuccessful, ids)
	g.failure = g.addSentinel(types.FailureID(jobID), types.WorkerOnFailure, anyFailed, ids)

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

func (g *graph) addSentinel(id string, t types.WorkerType, tr trigger, upstreams []string) *node {
	n := &node{
		id:        id,
		typ:       t,
		args:      &types.SentinelArgs{},
		persisted: types.WorkerPending,
		trigger:   tr,
		upstreams: append([]string(nil), upstreams...),
		state:     StatePending,
	}
	for _, up := range upstreams {
		g.nodes[up].downstreams = append(g.nodes[up].downstreams, id)
	}
	g.nodes[id] = n
	return n
}

// topoSort Kahn 演算法；同一層依 id 排序
func (g *graph) topoSort() ([]string, error) {
	indeg := g.indegrees()
	var queue []string
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		var next []string
		for _, d := range g.nodes[id].downstreams {
			indeg[d]--
			if indeg[d] == 0 {
				next = append(next, d)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}
	if len(order) != len(g.nodes) {
		return nil, ppcerr.Newf(ppcerr.KindValidation, "workflow of job %s contains a cycle", g.jobID)
	}
	return order, nil
}

func (g *graph) indegrees() map[string]int {
	indeg := make(map[string]int, len(g.nodes))
	for id, n := range g.nodes {
		indeg[id] = len(n.upstreams)
	}
	return indeg
}

// gate 上游全部結束後判斷節點是否執行；不執行時回傳其最終狀態
func (g *graph) gate(n *node) (State, bool) {
	switch n.trigger {
	case anyFailed:
		for _, up := range n.upstreams {
			if st := g.nodes[up].state; st == StateFailed || st == StateUpstreamFailed {
				return "", true
			}
		}
		return StateSkipped, false
	default:
		for _, up := range n.upstreams {
			if g.nodes[up].state != StateSuccess {
				return StateUpstreamFailed, false
			}
		}
		return "", true
	}
}

// inputsOf 依 inputs_statement 組出節點的輸入
func (g *graph) inputsOf(n *node) []worker.UpstreamOutput {
	if n.sentinel() {
		return nil
	}
	out := make([]worker.UpstreamOutput, 0, len(n.inputs))
	for _, in := range n.inputs {
		out = append(out, worker.UpstreamOutput{
			Upstream:    in.Upstream,
			Outputs:     g.nodes[in.Upstream].outputs,
			OutputIndex: in.OutputIndex,
		})
	}
	return out
}

// levels 每個節點到根的最長路徑長度，用於繪圖
func (g *graph) levels() map[string]int {
	lv := make(map[string]int, len(g.nodes))
	for _, id := range g.order {
		for _, up := range g.nodes[id].upstreams {
			if lv[up]+1 > lv[id] {
				lv[id] = lv[up] + 1
			}
		}
	}
	return lv
}

// firstError 依拓撲序找出第一個失敗節點
func (g *graph) firstError() (string, error) {
	for _, id := range g.order {
		if n := g.nodes[id]; n.err != nil && !n.sentinel() {
			return id, n.err
		}
	}
	return "", nil
}
