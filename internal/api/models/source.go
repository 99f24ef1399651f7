// Package models holds the JSON shapes shared by the manager's routes.
package models

import (
	"encoding/json"
	"time"

	"github.com/ahrav/sourcefleet/internal/domain/source"
)

// Source is the wire form of a source record. Status is the stable integer
// code; StatusName is informational.
type Source struct {
	ID               string     `json:"id"`
	GroupID          string     `json:"groupId"`
	StreamID         string     `json:"streamId"`
	AgentIP          string     `json:"agentIp,omitempty"`
	ClusterName      string     `json:"clusterName"`
	Status           int        `json:"status"`
	StatusName       string     `json:"statusName"`
	PreTimeoutStatus int        `json:"preTimeoutStatus,omitempty"`
	Intent           string     `json:"intent,omitempty"`
	IsDeleted        bool       `json:"isDeleted"`
	DeleteState      string     `json:"deleteState"`
	Message          string     `json:"message,omitempty"`
	Version          int64      `json:"version"`
	CreateTime       time.Time  `json:"createTime"`
	ModifyTime       time.Time  `json:"modifyTime"`
	LastHeartbeatAt  *time.Time `json:"lastHeartbeatAt,omitempty"`
}

// FromSource converts a domain source.
func FromSource(src *source.Source) Source {
	s := Source{
		ID:               src.ID().String(),
		GroupID:          src.GroupID(),
		StreamID:         src.StreamID(),
		AgentIP:          src.AgentIP(),
		ClusterName:      src.ClusterName(),
		Status:           src.Status().Code(),
		StatusName:       src.Status().String(),
		PreTimeoutStatus: src.PreTimeoutStatus().Code(),
		Intent:           src.Intent().String(),
		IsDeleted:        src.IsDeleted(),
		DeleteState:      src.DeleteState().String(),
		Message:          src.Message(),
		Version:          src.Version(),
		CreateTime:       src.CreateTime(),
		ModifyTime:       src.ModifyTime(),
	}
	if hb := src.LastHeartbeatAt(); !hb.IsZero() {
		s.LastHeartbeatAt = &hb
	}
	return s
}

// FromSources converts a slice of domain sources.
func FromSources(srcs []*source.Source) []Source {
	out := make([]Source, len(srcs))
	for i, src := range srcs {
		out[i] = FromSource(src)
	}
	return out
}

// Encode implements the web.Encoder interface.
func (s Source) Encode() ([]byte, string, error) {
	data, err := json.Marshal(s)
	return data, "application/json", err
}

// OK is the empty acknowledgement returned by agent calls.
type OK struct {
	OK bool `json:"ok"`
}

// Encode implements the web.Encoder interface.
func (o OK) Encode() ([]byte, string, error) {
	data, err := json.Marshal(o)
	return data, "application/json", err
}
