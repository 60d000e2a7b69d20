// Package models defines the core domain types for CineFlow.
package models

import "time"

// NodeKind is the kind of content a canvas node holds.
type NodeKind string

const (
	NodeKindImage NodeKind = "image"
	NodeKindVideo NodeKind = "video"
	NodeKindText  NodeKind = "text"
)

// Valid reports whether k is a known node kind.
func (k NodeKind) Valid() bool {
	switch k {
	case NodeKindImage, NodeKindVideo, NodeKindText:
		return true
	}
	return false
}

// NodeStatus represents the generation state rendered on a node.
type NodeStatus string

const (
	NodeStatusIdle       NodeStatus = "idle"
	NodeStatusGenerating NodeStatus = "generating"
	NodeStatusSuccess    NodeStatus = "success"
	NodeStatusError      NodeStatus = "error"
)

// Position is a point on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData is the mutable payload of a node.
type NodeData struct {
	Status      NodeStatus `json:"status"`
	Progress    int        `json:"progress"`
	Label       string     `json:"label,omitempty"`
	Prompt      string     `json:"prompt,omitempty"`
	Model       string     `json:"model,omitempty"`
	MediaURL    string     `json:"mediaUrl,omitempty"`
	ParentID    string     `json:"parentId,omitempty"`
	AspectRatio string     `json:"aspectRatio,omitempty"`
	Seed        *int64     `json:"seed,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Node is a vertex of the shared canvas graph.
type Node struct {
	ID       string   `json:"id"`
	Kind     NodeKind `json:"kind"`
	Position Position `json:"position"`
	Data     NodeData `json:"data"`
}

// Edge connects two nodes. Transient edges are still waiting on their
// target's generation.
type Edge struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Transient bool   `json:"transient"`
}

// NodePatch is a partial update of NodeData. Nil fields are left unchanged.
type NodePatch struct {
	Status      *NodeStatus
	Progress    *int
	Label       *string
	Prompt      *string
	Model       *string
	MediaURL    *string
	AspectRatio *string
	Seed        *int64
	Error       *string
}

// Apply returns d with the non-nil fields of p applied.
func (p NodePatch) Apply(d NodeData) NodeData {
	if p.Status != nil {
		d.Status = *p.Status
	}
	if p.Progress != nil {
		d.Progress = clampProgress(*p.Progress)
	}
	if p.Label != nil {
		d.Label = *p.Label
	}
	if p.Prompt != nil {
		d.Prompt = *p.Prompt
	}
	if p.Model != nil {
		d.Model = *p.Model
	}
	if p.MediaURL != nil {
		d.MediaURL = *p.MediaURL
	}
	if p.AspectRatio != nil {
		d.AspectRatio = *p.AspectRatio
	}
	if p.Seed != nil {
		seed := *p.Seed
		d.Seed = &seed
	}
	if p.Error != nil {
		d.Error = *p.Error
	}
	return d
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// Point is a cursor location.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PresenceEntry is the ephemeral state a user shares with room peers.
type PresenceEntry struct {
	UserID         string  `json:"userId"`
	DisplayName    string  `json:"displayName"`
	Color          string  `json:"color"`
	Cursor         *Point  `json:"cursor"`
	SelectedNodeID *string `json:"selectedNodeId"`
}

// TaskStatus represents the state of a generation task.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusSucceeded  TaskStatus = "succeeded"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no transition out of s is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// CameraControl carries video camera movement hints.
type CameraControl struct {
	Movement string  `json:"movement,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
}

// GenerationParams is the provider-agnostic generation request.
type GenerationParams struct {
	Model          string         `json:"model"`
	Prompt         string         `json:"prompt"`
	Ratio          string         `json:"ratio"`
	NodeID         string         `json:"node_id"`
	NegativePrompt string         `json:"negative_prompt,omitempty"`
	Seed           *int64         `json:"seed,omitempty"`
	ReferenceImage string         `json:"reference_image,omitempty"`
	Duration       int            `json:"duration,omitempty"`
	CameraControl  *CameraControl `json:"camera_control,omitempty"`
}

// TaskResult is the output of a successful generation.
type TaskResult struct {
	URL  string `json:"url"`
	Seed *int64 `json:"seed,omitempty"`
}

// GenerationTask tracks one provider request bound to one node.
type GenerationTask struct {
	ID          string      `json:"task_id"`
	RoomID      string      `json:"room_id"`
	NodeID      string      `json:"node_id"`
	EdgeID      string      `json:"edge_id,omitempty"`
	Model       string      `json:"model"`
	ProviderRef string      `json:"provider_ref,omitempty"`
	Status      TaskStatus  `json:"status"`
	Progress    int         `json:"progress"`
	Result      *TaskResult `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// TaskEvent is an audit record of a task state transition.
type TaskEvent struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskID     string    `json:"task_id,omitempty"`
	RoomID     string    `json:"room_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Viewport is the persisted camera of a canvas.
type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// Snapshot is the persisted form of a room document.
type Snapshot struct {
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	Viewport  Viewport  `json:"viewport"`
	UpdatedAt time.Time `json:"updated_at"`
}
