package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nerrad567/boardfleet/internal/host"
	"github.com/nerrad567/boardfleet/internal/sdk"
)

var errBadParams = errors.New("rpc: invalid parameters")

// Device is the controller surface the RPC layer exposes.
type Device interface {
	Connect(ctx context.Context) error
	Disconnect() error
	LoadConfiguration(cfg sdk.Config) error
	IsConfigurationLoaded() bool
	GetConfiguration() *sdk.Config
	GetHostAddress() string
	GetFixedIndex() (int, error)
	IsSdkInitialized() bool
	GetDownloadProgress() int
	GetMarkingProgress() int
	IsConnected() bool
	GetBoardIndex() (int, error)
	IsDownloadFinished() bool
	DownloadFile(path string) (bool, error)
	StartMark() error
	StopMark() error
	PauseMark() error
	GetStatus() host.DeviceStatus
	RenewLease(token string) (time.Time, error)
}

var _ Device = (*host.Controller)(nil)

type method func(ctx context.Context, params json.RawMessage) (any, error)

// DownloadParams are the parameters of DownloadFile.
type DownloadParams struct {
	Path string `json:"path"`
}

// LeaseParams are the parameters of RenewLease.
type LeaseParams struct {
	Token string `json:"token"`
}

// LeaseResult is the result of RenewLease.
type LeaseResult struct {
	ExpiresAt time.Time `json:"expiresAt"`
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return fmt.Errorf("%w: parameters required", errBadParams)
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %w", errBadParams, err)
	}
	return nil
}

// query wraps a method that cannot fail.
func query[T any](fn func() T) method {
	return func(context.Context, json.RawMessage) (any, error) {
		return fn(), nil
	}
}

// command wraps a method with no result.
func command(fn func() error) method {
	return func(context.Context, json.RawMessage) (any, error) {
		return nil, fn()
	}
}

// methodTable builds the catalog over d.
func methodTable(d Device) map[string]method {
	return map[string]method{
		"LoadConfiguration": func(_ context.Context, params json.RawMessage) (any, error) {
			var cfg sdk.Config
			if err := decodeParams(params, &cfg); err != nil {
				return nil, err
			}
			return nil, d.LoadConfiguration(cfg)
		},
		"IsConfigurationLoaded": query(d.IsConfigurationLoaded),
		"GetConfiguration":      query(d.GetConfiguration),
		"GetHostAddress":        query(d.GetHostAddress),
		"GetFixedIndex": func(context.Context, json.RawMessage) (any, error) {
			return d.GetFixedIndex()
		},
		"IsSdkInitialized":    query(d.IsSdkInitialized),
		"GetDownloadProgress": query(d.GetDownloadProgress),
		"GetMarkingProgress":  query(d.GetMarkingProgress),
		"IsConnected":         query(d.IsConnected),
		"GetBoardIndex": func(context.Context, json.RawMessage) (any, error) {
			return d.GetBoardIndex()
		},
		"IsDownloadFinished": query(d.IsDownloadFinished),
		"DownloadFile": func(_ context.Context, params json.RawMessage) (any, error) {
			var p DownloadParams
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			return d.DownloadFile(p.Path)
		},
		"StartMark": command(d.StartMark),
		"StopMark":  command(d.StopMark),
		"PauseMark": command(d.PauseMark),
		"GetStatus": query(d.GetStatus),
		"Connect": func(ctx context.Context, _ json.RawMessage) (any, error) {
			return nil, d.Connect(ctx)
		},
		"Disconnect": command(d.Disconnect),
		"RenewLease": func(_ context.Context, params json.RawMessage) (any, error) {
			var p LeaseParams
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			expires, err := d.RenewLease(p.Token)
			if err != nil {
				return nil, err
			}
			return LeaseResult{ExpiresAt: expires}, nil
		},
	}
}

// catalog is every method name methodTable serves.
var catalog = []string{
	"LoadConfiguration", "IsConfigurationLoaded", "GetConfiguration",
	"GetHostAddress", "GetFixedIndex", "IsSdkInitialized",
	"GetDownloadProgress", "GetMarkingProgress", "IsConnected",
	"GetBoardIndex", "IsDownloadFinished", "DownloadFile",
	"StartMark", "StopMark", "PauseMark", "GetStatus",
	"Connect", "Disconnect", "RenewLease",
}

// Methods lists the catalog in name order.
func Methods() []string {
	names := append([]string(nil), catalog...)
	sort.Strings(names)
	return names
}
