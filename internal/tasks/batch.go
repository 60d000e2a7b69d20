package tasks

import (
	"context"
	"fmt"

	"github.com/fentz26/cineflow/internal/models"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// MaxBatch is the largest number of children one request may spawn.
const MaxBatch = 10

// Child layout relative to the parent node.
const (
	childOffsetX = 350
	childSpacing = 280
)

// BatchRequest asks for Count generations from one parent node.
type BatchRequest struct {
	Params models.GenerationParams
	Count  int
	// CreateChild spawns child nodes; otherwise the parent is regenerated.
	CreateChild bool
}

// BatchResult lists what StartBatch created.
type BatchResult struct {
	TaskIDs []string `json:"task_ids"`
	NodeIDs []string `json:"node_ids"`
	EdgeIDs []string `json:"edge_ids,omitempty"`
}

// StartBatch creates Count child nodes and transient edges from the parent in
// one delta, then starts one task per child concurrently. Each edge turns
// non-transient when its own task ends.
func (m *Manager) StartBatch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	if req.Count == 0 {
		req.Count = 1
	}
	if req.Count < 1 || req.Count > MaxBatch {
		return nil, fmt.Errorf("%w: count must be between 1 and %d, got %d", ErrInvalidBatch, MaxBatch, req.Count)
	}
	if !req.CreateChild && req.Count > 1 {
		return nil, fmt.Errorf("%w: regenerating a node in place takes one task, got %d", ErrInvalidBatch, req.Count)
	}

	parent, ok := m.bridge.Node(req.Params.NodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, req.Params.NodeID)
	}

	if !req.CreateChild {
		id, err := m.Start(ctx, req.Params)
		if err != nil {
			return nil, err
		}
		return &BatchResult{TaskIDs: []string{id}, NodeIDs: []string{parent.ID}}, nil
	}

	params := req.Params
	if params.ReferenceImage == "" && parent.Data.MediaURL != "" {
		params.ReferenceImage = parent.Data.MediaURL
	}
	kind := m.registry.Kind(params.Model)

	n := req.Count
	nodes := make([]models.Node, 0, n)
	edges := make([]models.Edge, 0, n)
	for i := 0; i < n; i++ {
		child := models.Node{
			ID:   "child_" + uuid.New().String(),
			Kind: kind,
			Position: models.Position{
				X: parent.Position.X + childOffsetX,
				Y: parent.Position.Y + (float64(i)-float64(n-1)/2)*childSpacing,
			},
			Data: models.NodeData{
				Status:      models.NodeStatusGenerating,
				Label:       fmt.Sprintf("Generation %d/%d", i+1, n),
				Prompt:      params.Prompt,
				Model:       params.Model,
				ParentID:    parent.ID,
				AspectRatio: params.Ratio,
			},
		}
		nodes = append(nodes, child)
		edges = append(edges, models.Edge{
			ID:        "edge_" + parent.ID + "_" + child.ID,
			Source:    parent.ID,
			Target:    child.ID,
			Transient: true,
		})
	}
	if err := m.bridge.AddGraph(nodes, edges); err != nil {
		return nil, fmt.Errorf("create children: %w", err)
	}

	res := &BatchResult{
		TaskIDs: make([]string, n),
		NodeIDs: make([]string, n),
		EdgeIDs: make([]string, n),
	}
	var g errgroup.Group
	for i := range nodes {
		i := i
		res.NodeIDs[i] = nodes[i].ID
		res.EdgeIDs[i] = edges[i].ID
		g.Go(func() error {
			p := params
			p.NodeID = nodes[i].ID
			id, err := m.start(ctx, p, edges[i].ID)
			if err != nil {
				m.bridge.SetEdgeTransient(edges[i].ID, false)
				return err
			}
			res.TaskIDs[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, fmt.Errorf("start batch: %w", err)
	}

	m.log.Info("batch started", "node_id", parent.ID, "count", n, "model", params.Model)
	return res, nil
}
