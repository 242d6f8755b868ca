package request

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
)

// UpdateText targets a node by role name or raw id. Field optionally names
// the input to write; when absent the recognized text fields are searched.
type UpdateText struct {
	NodeID any    `json:"node_id" binding:"required"`
	Text   string `json:"text" binding:"required"`
	Field  string `json:"field"`
}

func (r UpdateText) NodeRef() (string, error) {
	return nodeRef(r.NodeID)
}

type UpdateImage struct {
	NodeID   any    `json:"node_id" binding:"required"`
	Filename string `json:"filename" binding:"required"`
}

func (r UpdateImage) NodeRef() (string, error) {
	return nodeRef(r.NodeID)
}

type ImageDescription struct {
	Description string `json:"description" binding:"required"`
	VisualCue   string `json:"visualCue"`
	MoodCue     string `json:"moodCue"`
}

type GenerateImage struct {
	ImageDescription ImageDescription `json:"image_description" binding:"required"`
}

// Prompt joins the description cues into the text written to the prompt node.
func (r GenerateImage) Prompt() string {
	parts := make([]string, 0, 3)
	for _, cue := range []string{
		r.ImageDescription.Description,
		r.ImageDescription.VisualCue,
		r.ImageDescription.MoodCue,
	} {
		if cue != "" {
			parts = append(parts, cue)
		}
	}
	return strings.Join(parts, ", ")
}

// nodeRef normalizes node_id, which arrives as a JSON number for raw node
// ids or as a string for ids and role names.
func nodeRef(v any) (string, error) {
	switch id := v.(type) {
	case string:
		if id == "" {
			return "", errors.New("node_id must not be empty")
		}
		return id, nil
	case json.Number:
		return id.String(), nil
	case float64:
		if id != math.Trunc(id) {
			return "", errors.New("node_id must be a whole number")
		}
		return strconv.FormatFloat(id, 'f', -1, 64), nil
	default:
		return "", errors.New("node_id must be a number or a node name")
	}
}
