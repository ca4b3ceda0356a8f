package scheduler

import (
	"bytes"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
)

// 視圖版面
const (
	boxWidth  = 200
	boxHeight = 44
	colGap    = 80
	rowGap    = 28
	margin    = 20
)

var stateColors = map[State]string{
	StatePending:        "#eceff1",
	StateSuccess:        "#c8e6c9",
	StateFailed:         "#ffcdd2",
	StateUpstreamFailed: "#ffe0b2",
	StateSkipped:        "#e0e0e0",
}

// label 去掉 job id 前綴的節點名稱
func (g *graph) label(id string) string {
	return strings.TrimPrefix(id, g.jobID+"_")
}

type placed struct {
	id   string
	x, y int
}

// layout 依層級由左至右排列，同層依拓撲序由上至下
func (g *graph) layout() (map[string]placed, int, int) {
	lv := g.levels()
	rows := make(map[int]int)
	pos := make(map[string]placed, len(g.nodes))
	maxLevel, maxRows := 0, 0
	for _, id := range g.order {
		l := lv[id]
		r := rows[l]
		rows[l]++
		pos[id] = placed{
			id: id,
			x:  margin + l*(boxWidth+colGap),
			y:  margin + r*(boxHeight+rowGap),
		}
		if l > maxLevel {
			maxLevel = l
		}
		if rows[l] > maxRows {
			maxRows = rows[l]
		}
	}
	width := 2*margin + (maxLevel+1)*boxWidth + maxLevel*colGap
	height := 2*margin + maxRows*boxHeight + (maxRows-1)*rowGap
	return pos, width, height
}

// renderSVG 以節點狀態著色的 DAG 圖
func renderSVG(g *graph) []byte {
	pos, width, height := g.layout()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d" font-family="sans-serif" font-size="12">`+"\n",
		width, height, width, height)
	buf.WriteString(`<defs><marker id="arrow" markerWidth="10" markerHeight="8" refX="10" refY="4" orient="auto"><path d="M0,0 L10,4 L0,8 z" fill="#607d8b"/></marker></defs>` + "\n")
	fmt.Fprintf(&buf, "<title>%s</title>\n", html.EscapeString(g.jobID))

	for _, id := range g.order {
		to := pos[id]
		for _, up := range sortedCopy(g.nodes[id].upstreams) {
			from := pos[up]
			fmt.Fprintf(&buf, `<line x1="%d" y1="%d" x2="%d" y2="%d" stroke="#607d8b" marker-end="url(#arrow)"/>`+"\n",
				from.x+boxWidth, from.y+boxHeight/2, to.x, to.y+boxHeight/2)
		}
	}
	for _, id := range g.order {
		n, p := g.nodes[id], pos[id]
		fill, ok := stateColors[n.state]
		if !ok {
			fill = stateColors[StatePending]
		}
		fmt.Fprintf(&buf, `<g id="%s">`, html.EscapeString(id))
		fmt.Fprintf(&buf, `<rect x="%d" y="%d" width="%d" height="%d" rx="6" fill="%s" stroke="#455a64"/>`,
			p.x, p.y, boxWidth, boxHeight, fill)
		fmt.Fprintf(&buf, `<text x="%d" y="%d" text-anchor="middle">%s</text>`,
			p.x+boxWidth/2, p.y+18, html.EscapeString(g.label(id)))
		fmt.Fprintf(&buf, `<text x="%d" y="%d" text-anchor="middle" fill="#546e7a">%s</text>`,
			p.x+boxWidth/2, p.y+34, n.state)
		buf.WriteString("</g>\n")
	}
	buf.WriteString("</svg>\n")
	return buf.Bytes()
}

// renderDOT Graphviz 格式
func renderDOT(g *graph) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "digraph %s {\n", strconv.Quote(g.jobID))
	buf.WriteString("  rankdir=LR;\n  node [shape=box, style=\"rounded,filled\"];\n")
	for _, id := range g.order {
		n := g.nodes[id]
		fmt.Fprintf(&buf, "  %s [label=%s, fillcolor=%s];\n",
			strconv.Quote(id), strconv.Quote(g.label(id)+"\n"+string(n.state)), strconv.Quote(stateColors[n.state]))
	}
	for _, id := range g.order {
		for _, up := range sortedCopy(g.nodes[id].upstreams) {
			fmt.Fprintf(&buf, "  %s -> %s;\n", strconv.Quote(up), strconv.Quote(id))
		}
	}
	buf.WriteString("}\n")
	return buf.Bytes()
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
