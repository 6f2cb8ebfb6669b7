package normalize

import (
	"bufio"
	"io"
	"os"
	"strings"

	xerrors "i-vis/internal/errors"
)

// CancerRoot 是 Disease Ontology 中 "cancer" 的节点。
const CancerRoot = "DOID:162"

// Ontology 保存 is_a 关系，节点可以有多个父节点。
type Ontology struct {
	parents map[string][]string
}

// NewOntology 创建空本体。
func NewOntology() *Ontology {
	return &Ontology{parents: make(map[string][]string)}
}

// AddEdge 登记 child is_a parent。
func (o *Ontology) AddEdge(child, parent string) {
	child, parent = strings.TrimSpace(child), strings.TrimSpace(parent)
	if child == "" || parent == "" || child == parent {
		return
	}
	o.parents[child] = appendUnique(o.parents[child], parent)
}

// IsDescendant 判断 id 是否等于 root 或为其子孙，容忍环。
func (o *Ontology) IsDescendant(id, root string) bool {
	if o == nil {
		return false
	}
	if id == root {
		return true
	}
	seen := map[string]struct{}{id: {}}
	queue := []string{id}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, p := range o.parents[node] {
			if p == root {
				return true
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			queue = append(queue, p)
		}
	}
	return false
}

// LoadOntology 读取 child<TAB>parent 格式的边列表。
func LoadOntology(r io.Reader) (*Ontology, error) {
	o := NewOntology()
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) < 2 {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "本体文件第 %d 行格式错误", line)
		}
		o.AddEdge(fields[0], fields[1])
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取本体文件失败")
	}
	return o, nil
}

// LoadOntologyFile 从文件加载本体。
func LoadOntologyFile(path string) (*Ontology, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err, "打开本体文件失败", xerrors.WithMetadata("path", path))
	}
	defer f.Close()
	return LoadOntology(f)
}
