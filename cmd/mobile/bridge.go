package main

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/fitlog/backend/internal/backup"
	"github.com/kimhsiao/fitlog/backend/internal/config"
	"github.com/kimhsiao/fitlog/backend/internal/device"
	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/integration"
	"github.com/kimhsiao/fitlog/backend/internal/models"
	syncpkg "github.com/kimhsiao/fitlog/backend/internal/sync"
)

// callTimeout bounds every blocking call made from the host app.
const callTimeout = 2 * time.Minute

// bridge owns the single Integration behind the C exports. Every method
// returns a JSON document; failures are encoded as {"error":..,"code":..}
// and also kept for GetLastError.
type bridge struct {
	mu    sync.Mutex
	integ *integration.Integration

	errMu   sync.RWMutex
	lastErr string
}

var core = &bridge{}

// main is required by -buildmode=c-shared and never runs.
func main() {}

type errorReply struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type okReply struct {
	OK bool `json:"ok"`
}

func (b *bridge) setLastError(msg string) {
	b.errMu.Lock()
	b.lastErr = msg
	b.errMu.Unlock()
}

func (b *bridge) lastError() string {
	b.errMu.RLock()
	defer b.errMu.RUnlock()
	return b.lastErr
}

func (b *bridge) reply(v interface{}, err error) string {
	if err != nil {
		b.setLastError(err.Error())
		out, _ := json.Marshal(errorReply{Error: err.Error(), Code: string(apperrors.CodeOf(err))})
		return string(out)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return b.reply(nil, apperrors.Wrap(apperrors.ErrInternal, "encode reply", err))
	}
	return string(out)
}

func (b *bridge) current() (*integration.Integration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.integ == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "core not initialized")
	}
	return b.integ, nil
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), callTimeout)
}

// initRequest is the payload of Init. Conditions seed the platform probe
// since the app owns battery and network state on mobile.
type initRequest struct {
	DataDir    string             `json:"data_dir"`
	ConfigPath string             `json:"config_path"`
	Conditions *device.Conditions `json:"conditions"`
}

func (b *bridge) Init(payload string) string {
	var req initRequest
	if err := decode(payload, &req); err != nil {
		return b.reply(nil, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.integ != nil {
		return b.reply(b.integ.Status(), nil)
	}

	cfg, err := config.Load(req.ConfigPath)
	if err != nil {
		return b.reply(nil, err)
	}
	if req.DataDir != "" {
		cfg.DataDir = req.DataDir
		cfg.Backup.Dir = ""
	}
	integration.InitLogging(cfg.Log)

	integ := integration.New(integration.Options{
		Config:             cfg,
		PlatformConditions: true,
		InitialConditions:  req.Conditions,
	})
	ctx, cancel := withTimeout()
	defer cancel()
	if err := integ.Initialize(ctx); err != nil {
		return b.reply(nil, err)
	}
	b.integ = integ
	return b.reply(integ.Status(), nil)
}

func (b *bridge) Cleanup() string {
	b.mu.Lock()
	integ := b.integ
	b.integ = nil
	b.mu.Unlock()
	if integ == nil {
		return b.reply(okReply{OK: true}, nil)
	}
	return b.reply(okReply{OK: true}, integ.Close())
}

func (b *bridge) StartServices() string {
	integ, err := b.current()
	if err != nil {
		return b.reply(nil, err)
	}
	// The scheduler outlives this call, so it gets a background context.
	return b.reply(okReply{OK: true}, integ.StartServices(context.Background()))
}

func (b *bridge) StopServices() string {
	integ, err := b.current()
	if err != nil {
		return b.reply(nil, err)
	}
	integ.StopServices()
	return b.reply(okReply{OK: true}, nil)
}

func (b *bridge) Status() string {
	integ, err := b.current()
	if err != nil {
		return b.reply(nil, err)
	}
	return b.reply(integ.Status(), nil)
}

func (b *bridge) Health() string {
	integ, err := b.current()
	if err != nil {
		return b.reply(nil, err)
	}
	ctx, cancel := withTimeout()
	defer cancel()
	return b.reply(integ.GetServiceHealth(ctx), nil)
}

func (b *bridge) Login(payload string) string {
	integ, err := b.current()
	if err != nil {
		return b.reply(nil, err)
	}
	var auth integration.AuthData
	if err := decode(payload, &auth); err != nil {
		return b.reply(nil, err)
	}
	ctx, cancel := withTimeout()
	defer cancel()
	return b.reply(integ.HandleAuthentication(ctx, auth))
}

func (b *bridge) Logout() string {
	integ, err := b.current()
	if err != nil {
		return b.reply(nil, err)
	}
	return b.reply(okReply{OK: true}, integ.SignOut())
}

func (b *bridge) Sync(priority string, force bool) string {
	integ, err := b.current()
	if err != nil {
		return b.reply(nil, err)
	}
	ctx, cancel := withTimeout()
	defer cancel()
	if force {
		return b.reply(integ.ForceSync(ctx))
	}
	return b.reply(integ.StartSync(ctx, syncpkg.Priority(priority)))
}

func (b *bridge) Decide(priority string) string {
	integ, err := b.current()
	if err != nil {
		return b.reply(nil, err)
	}
	if priority == "" {
		priority = string(syncpkg.PriorityNormal)
	}
	ctx, cancel := withTimeout()
	defer cancel()
	return b.reply(integ.MakeSyncDecision(ctx, syncpkg.Priority(priority)))
}

// ReportConditions takes the latest battery and network sample from the
// host platform.
func (b *bridge) ReportConditions(payload string) string {
	integ, err := b.current()
	if err != nil {
		return b.reply(nil, err)
	}
	var c device.Conditions
	if err := decode(payload, &c); err != nil {
		return b.reply(nil, err)
	}
	ctx, cancel := withTimeout()
	defer cancel()
	integ.ReportConditions(ctx, c)
	return b.reply(okReply{OK: true}, nil)
}

// Lifecycle hooks from the host app.
func (b *bridge) Foreground() string {
	integ, err := b.current()
	if err != nil {
		return b.reply(nil, err)
	}
	integ.OnForeground(context.Background())
	return b.reply(okReply{OK: true}, nil)
}

func (b *bridge) Background() string {
	integ, err := b.current()
	if err != nil {
		return b.reply(nil, err)
	}
	ctx, cancel := withTimeout()
	defer cancel()
	return b.reply(integ.OnBackground(ctx))
}

type backupRequest struct {
	Type        models.BackupType `json:"type"`
	Description string            `json:"description"`
}

func (b *bridge) CreateBackup(payload string) string {
	integ, err := b.current()
	if err != nil {
		return b.reply(nil, err)
	}
	req := backupRequest{Type: models.BackupFull}
	if err := decode(payload, &req); err != nil {
		return b.reply(nil, err)
	}
	ctx, cancel := withTimeout()
	defer cancel()
	return b.reply(integ.CreateBackup(ctx, req.Type, req.Description))
}

func (b *bridge) ListBackups() string {
	integ, err := b.current()
	if err != nil {
		return b.reply(nil, err)
	}
	ctx, cancel := withTimeout()
	defer cancel()
	return b.reply(integ.ListBackups(ctx))
}

func (b *bridge) Restore(payload string) string {
	integ, err := b.current()
	if err != nil {
		return b.reply(nil, err)
	}
	opts := backup.RecoveryOptions{ValidateData: true, CreateRecoveryPoint: true}
	if err := decode(payload, &opts); err != nil {
		return b.reply(nil, err)
	}
	if opts.BackupID == "" {
		return b.reply(nil, apperrors.New(apperrors.ErrInvalid, "backup_id is required"))
	}
	ctx, cancel := withTimeout()
	defer cancel()
	return b.reply(integ.RestoreFromBackup(ctx, opts.BackupID, opts))
}

type writeRequest struct {
	EntityType models.EntityType `json:"entity_type"`
	ID         string            `json:"id"`
	Data       json.RawMessage   `json:"data"`
	Delete     bool              `json:"delete"`
}

// Write stores or deletes one entity in the active namespace.
func (b *bridge) Write(payload string) string {
	integ, err := b.current()
	if err != nil {
		return b.reply(nil, err)
	}
	var req writeRequest
	if err := decode(payload, &req); err != nil {
		return b.reply(nil, err)
	}
	if !req.EntityType.Valid() {
		return b.reply(nil, apperrors.New(apperrors.ErrInvalid, "unknown entity type "+string(req.EntityType)))
	}
	ctx, cancel := withTimeout()
	defer cancel()
	if req.Delete {
		return b.reply(okReply{OK: true}, integ.Delete(ctx, req.EntityType, req.ID))
	}
	if !json.Valid(req.Data) {
		return b.reply(nil, apperrors.New(apperrors.ErrInvalid, "data must be a JSON value"))
	}
	return b.reply(integ.Write(ctx, req.EntityType, req.ID, []byte(req.Data)))
}

func (b *bridge) List(entityType string) string {
	integ, err := b.current()
	if err != nil {
		return b.reply(nil, err)
	}
	et := models.EntityType(entityType)
	if !et.Valid() {
		return b.reply(nil, apperrors.New(apperrors.ErrInvalid, "unknown entity type "+entityType))
	}
	ctx, cancel := withTimeout()
	defer cancel()
	return b.reply(integ.List(ctx, et))
}

func decode(payload string, v interface{}) error {
	if payload == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid payload", err)
	}
	return nil
}
