package httpserver

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/coachpo/takbridge/errs"
	"github.com/coachpo/takbridge/internal/app/bridge"
	"github.com/coachpo/takbridge/internal/domain/destination"
	"github.com/coachpo/takbridge/internal/infra/config"
)

const backupVersion = "1"

// ConfigBackup is the exported service state: runtime tuning plus the
// destination roster and which destinations had a running worker.
// Client certificate material is never exported.
type ConfigBackup struct {
	Version      string               `json:"version"`
	GeneratedAt  time.Time            `json:"generatedAt"`
	Environment  string               `json:"environment"`
	Runtime      config.RuntimeConfig `json:"runtime"`
	Destinations []DestinationBackup  `json:"destinations"`
}

// DestinationBackup describes one destination in a backup.
type DestinationBackup struct {
	destination.Destination
	HasClientCert bool `json:"has_client_cert"`
	Running       bool `json:"running"`
}

// RestoreReport summarises applyBackup.
type RestoreReport struct {
	RuntimeChanged bool                `json:"runtime_changed"`
	Applied        *bridge.ApplyResult `json:"applied,omitempty"`
	Started        []int64             `json:"started,omitempty"`
	Stopped        []int64             `json:"stopped,omitempty"`
	Unknown        []int64             `json:"unknown,omitempty"`
}

func buildBackupPayload(ctx context.Context, server *httpServer) (ConfigBackup, error) {
	if server == nil {
		return ConfigBackup{}, fmt.Errorf("http server required")
	}
	if server.runtimeStore == nil {
		return ConfigBackup{}, fmt.Errorf("runtime store unavailable")
	}

	payload := ConfigBackup{
		Version:     backupVersion,
		GeneratedAt: time.Now().UTC(),
		Environment: string(server.environment),
		Runtime:     server.runtimeStore.Snapshot(),
	}
	if server.bridge == nil {
		return payload, nil
	}

	stored, err := server.bridge.Store().LoadDestinations(ctx)
	if err != nil {
		return ConfigBackup{}, fmt.Errorf("load destinations: %w", err)
	}
	payload.Destinations = make([]DestinationBackup, 0, len(stored))
	for _, dest := range stored {
		payload.Destinations = append(payload.Destinations, DestinationBackup{
			Destination:   dest,
			HasClientCert: dest.ClientCert != nil,
			Running:       server.bridge.Workers().Running(dest.ID),
		})
	}
	return payload, nil
}

// applyBackup restores runtime configuration and reconciles worker running
// state with the backup. Destination descriptors are not rewritten; entries the
// store does not know are reported as unknown.
func (s *httpServer) applyBackup(ctx context.Context, payload ConfigBackup) (RestoreReport, error) {
	var report RestoreReport
	if s.runtimeStore == nil {
		return report, errs.New("httpserver/restore", errs.CodeUnavailable, errs.WithMessage("runtime store unavailable"))
	}
	if v := strings.TrimSpace(payload.Version); v != "" && v != backupVersion {
		return report, errs.New("httpserver/restore", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unsupported backup version %q", v)))
	}

	runtimeCfg := payload.Runtime.Clone()
	runtimeCfg.Normalise()
	if err := runtimeCfg.Validate(); err != nil {
		return report, errs.New("httpserver/restore", errs.CodeInvalid, errs.WithMessage("runtime"), errs.WithCause(err))
	}

	previous := s.runtimeStore.Snapshot()
	updated, err := s.runtimeStore.Replace(runtimeCfg)
	if err != nil {
		return report, fmt.Errorf("apply runtime: %w", err)
	}
	report.RuntimeChanged = !reflect.DeepEqual(previous, updated)
	if report.RuntimeChanged {
		if s.bridge != nil {
			applied, err := s.bridge.ApplyRuntimeConfig(ctx, updated)
			if err != nil {
				return report, fmt.Errorf("sync runtime: %w", err)
			}
			report.Applied = &applied
		}
		if s.configStore != nil {
			if err := s.configStore.SetRuntime(updated); err != nil {
				return report, fmt.Errorf("persist runtime: %w", err)
			}
		}
	}

	if s.bridge == nil {
		return report, nil
	}
	if err := restoreWorkers(ctx, s.bridge, payload.Destinations, &report); err != nil {
		return report, err
	}
	return report, nil
}

func restoreWorkers(ctx context.Context, b *bridge.Bridge, entries []DestinationBackup, report *RestoreReport) error {
	desired := make(map[int64]bool, len(entries))
	for _, entry := range entries {
		desired[entry.ID] = entry.Running
	}
	ids := make([]int64, 0, len(desired))
	for id := range desired {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		running := b.Workers().Running(id)
		switch {
		case desired[id] && !running:
			err := b.StartDestination(ctx, id)
			if errs.IsCode(err, errs.CodeNotFound) {
				report.Unknown = append(report.Unknown, id)
				continue
			}
			if err != nil && !errs.IsCode(err, errs.CodeConflict) {
				return fmt.Errorf("start destination %d: %w", id, err)
			}
			report.Started = append(report.Started, id)
		case !desired[id] && running:
			if err := b.StopDestination(ctx, id); err != nil && !errs.IsCode(err, errs.CodeNotFound) {
				return fmt.Errorf("stop destination %d: %w", id, err)
			}
			report.Stopped = append(report.Stopped, id)
		}
	}
	return nil
}
