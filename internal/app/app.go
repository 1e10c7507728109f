// Package app is the orchestration boundary: it decides online/offline
// and authenticated/public mode, triggers the initial load, routes
// dispense and lot requests to the remote gateway or the sync engine,
// and owns the realtime listener's lifecycle.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/davidkimdev/CS370-MediTrack-sub000/domain"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/gateway"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/history"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/localstore"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/syncer"
)

const probeTimeout = 5 * time.Second

// Autocomplete field keys shared with the HTTP layer.
const (
	FieldPatientID  = "dispense_patient_id"
	FieldPhysician  = "dispense_physician"
	FieldStudent    = "dispense_student"
	FieldClinicSite = "dispense_site"
	FieldDose       = "dispense_dose"
)

// Gateway is the remote store surface the orchestrator drives.
type Gateway interface {
	Medications(ctx context.Context) ([]domain.Medication, error)
	MedicationStock(ctx context.Context, medicationID string) (int, error)
	LotsForMedication(ctx context.Context, medicationID string) ([]domain.InventoryLot, error)
	CreateLot(ctx context.Context, lot domain.InventoryLot) (domain.InventoryLot, error)
	UpdateLotQuantity(ctx context.Context, lotID string, qtyUnits int) error
	ExpiringLots(ctx context.Context, withinDays int) ([]domain.InventoryLot, error)
	CreateDispense(ctx context.Context, rec domain.DispensingRecord) (domain.DispensingRecord, error)
	DispensingRecords(ctx context.Context, limit int) ([]domain.DispensingRecord, error)
	DispensingRecord(ctx context.Context, id string) (domain.DispensingRecord, error)
	UpdateDispense(ctx context.Context, id string, patch gateway.DispensePatch) (domain.DispensingRecord, error)
	DeleteDispense(ctx context.Context, id string) error
	ReduceStock(ctx context.Context, medicationID string, amount int, preferredLot string) (int, error)
	Ping(ctx context.Context) error
}

// ChangeListener is the realtime subscription lifecycle.
type ChangeListener interface {
	Start(ctx context.Context) error
	Stop()
	Active() bool
}

// App wires the core components together. All state transitions
// (connectivity, authentication) funnel through it so the listener and
// the flush trigger always agree with the current mode.
type App struct {
	store    *localstore.Store
	remote   Gateway
	engine   *syncer.Engine
	history  *history.Recorder
	listener ChangeListener
	log      *zap.Logger

	loadTimeout time.Duration

	mu            sync.Mutex
	online        bool
	authenticated bool

	stopMonitor chan struct{}
	monitorDone chan struct{}
}

func New(store *localstore.Store, remote Gateway, engine *syncer.Engine, recorder *history.Recorder, listener ChangeListener, apiKey string, loadTimeout time.Duration, log *zap.Logger) *App {
	if loadTimeout <= 0 {
		loadTimeout = 30 * time.Second
	}
	return &App{
		store:         store,
		remote:        remote,
		engine:        engine,
		history:       recorder,
		listener:      listener,
		log:           log,
		loadTimeout:   loadTimeout,
		authenticated: tokenGrantsAuthenticated(apiKey, log),
		stopMonitor:   make(chan struct{}),
		monitorDone:   make(chan struct{}),
	}
}

// tokenGrantsAuthenticated inspects the configured service token. The
// remote store issues JWTs whose role claim separates public (anon)
// from authenticated access; the token is forwarded as-is on every
// call, so it is parsed without verification, only to pick the mode.
func tokenGrantsAuthenticated(apiKey string, log *zap.Logger) bool {
	if apiKey == "" {
		return false
	}
	token, _, err := jwt.NewParser().ParseUnverified(apiKey, jwt.MapClaims{})
	if err != nil {
		log.Warn("service token is not a parseable JWT, assuming public mode", zap.Error(err))
		return false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return false
	}
	role, _ := claims["role"].(string)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		log.Info("service token parsed",
			zap.String("role", role),
			zap.Time("expires", exp.Time))
		if exp.Time.Before(time.Now()) {
			log.Warn("service token is expired")
		}
	}
	return role == "authenticated" || role == "service_role"
}

// Online reports the current connectivity mode.
func (a *App) Online() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.online
}

// Authenticated reports the current access mode.
func (a *App) Authenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authenticated
}

// SetOnline applies a connectivity transition. Going online flushes the
// queue, reloads the catalog and, in authenticated mode, starts the
// realtime listener; going offline stops the listener. Repeating the
// current mode is a no-op.
func (a *App) SetOnline(ctx context.Context, online bool) {
	a.mu.Lock()
	was := a.online
	a.online = online
	authenticated := a.authenticated
	a.mu.Unlock()

	if online == was {
		return
	}
	if !online {
		a.log.Info("connectivity lost, queuing writes locally")
		a.listener.Stop()
		return
	}

	a.log.Info("connectivity restored")
	if authenticated {
		if err := a.listener.Start(ctx); err != nil {
			a.log.Warn("realtime listener failed to start", zap.Error(err))
		}
	}
	res, err := a.engine.Flush(ctx)
	if err != nil {
		a.log.Warn("reconnect flush failed", zap.Error(err))
	} else if res.Processed > 0 || res.Failed > 0 {
		a.log.Info("reconnect flush",
			zap.Int("processed", res.Processed),
			zap.Int("failed", res.Failed))
	}
	if _, err := a.Load(ctx); err != nil {
		a.log.Warn("reconnect reload failed", zap.Error(err))
	}
}

// SetAuthenticated applies an access-mode transition. Losing
// authentication tears the listener down so it never acts on stale
// credentials; gaining it while online starts the listener.
func (a *App) SetAuthenticated(ctx context.Context, authenticated bool) {
	a.mu.Lock()
	was := a.authenticated
	a.authenticated = authenticated
	online := a.online
	a.mu.Unlock()

	if authenticated == was {
		return
	}
	if !authenticated {
		a.log.Info("authenticated mode ended")
		a.listener.Stop()
		return
	}
	a.log.Info("authenticated mode active")
	if online {
		if err := a.listener.Start(ctx); err != nil {
			a.log.Warn("realtime listener failed to start", zap.Error(err))
		}
	}
}

// Run performs the initial connectivity probe and load, then starts the
// background monitor that keeps the online flag current.
func (a *App) Run(ctx context.Context, probeInterval time.Duration) {
	online := a.probe(ctx)
	a.SetOnline(ctx, online)
	if !online {
		if _, err := a.Load(ctx); err != nil {
			a.log.Warn("initial load failed", zap.Error(err))
		}
	}
	go a.monitor(probeInterval)
}

// Close stops the monitor and the listener. Safe to call once after Run.
func (a *App) Close() {
	close(a.stopMonitor)
	<-a.monitorDone
	a.listener.Stop()
}

func (a *App) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return a.remote.Ping(ctx) == nil
}

func (a *App) monitor(interval time.Duration) {
	defer close(a.monitorDone)
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopMonitor:
			return
		case <-ticker.C:
			online := a.probe(context.Background())
			a.SetOnline(context.Background(), online)
		}
	}
}
