package engine

import (
	"context"
	"errors"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/eldertree/internal/config"
	"github.com/roach88/eldertree/internal/events"
	"github.com/roach88/eldertree/internal/hierarchy"
	"github.com/roach88/eldertree/internal/metrics"
	"github.com/roach88/eldertree/internal/model"
	"github.com/roach88/eldertree/internal/persist"
	"github.com/roach88/eldertree/internal/router"
	"github.com/roach88/eldertree/internal/soul"
)

// AuditLog receives every journal event and message outcome.
// *store.Store implements it.
type AuditLog interface {
	events.Sink
	router.Recorder
}

type options struct {
	clock     model.Clock
	tokens    model.TokenGenerator
	metrics   *metrics.Registry
	audit     AuditLog
	resonance soul.ResonanceCalculator
	hook      soul.TransitionHook
	onAlert   EventHook
	onLost    EventHook
}

// Option configures an Engine.
type Option func(*options)

// WithClock sets the clock shared by every component.
func WithClock(c model.Clock) Option { return func(o *options) { o.clock = c } }

// WithTokenGenerator sets the id and token source shared by every component.
func WithTokenGenerator(g model.TokenGenerator) Option { return func(o *options) { o.tokens = g } }

func WithMetrics(m *metrics.Registry) Option { return func(o *options) { o.metrics = m } }

// WithAudit mirrors events and message outcomes to a.
func WithAudit(a AuditLog) Option { return func(o *options) { o.audit = a } }

func WithResonance(r soul.ResonanceCalculator) Option { return func(o *options) { o.resonance = r } }

func WithTransitionHook(h soul.TransitionHook) Option { return func(o *options) { o.hook = h } }

// WithAlertHook receives every EmergencyAlert after dispatch.
func WithAlertHook(h EventHook) Option { return func(o *options) { o.onAlert = h } }

// WithLostHook receives every ConnectionLost event.
func WithLostHook(h EventHook) Option { return func(o *options) { o.onLost = h } }

// Engine owns one Elder Tree: its node table, message router, event
// journal and binding table, plus the loops that maintain them.
//
// Thread-safety: All methods are safe for concurrent use. Run must be
// called at most once.
type Engine struct {
	cfg         config.Config
	registry    *hierarchy.Registry
	router      *router.Router
	journal     *events.Journal
	souls       *soul.Manager
	persist     *persist.Layer
	dispatcher  *Dispatcher
	maintenance *Maintenance
	metrics     *metrics.Registry
	logger      *zap.Logger
}

// New builds an engine from cfg. Call Close (or Run, which closes on
// return) to stop the decay goroutines.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{
		clock:  model.SystemClock{},
		tokens: model.UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.NewRegistry()
	}

	reg := hierarchy.New(logger,
		hierarchy.WithClock(o.clock),
		hierarchy.WithTokenGenerator(o.tokens),
		hierarchy.WithMetrics(o.metrics))

	routerOpts := []router.Option{
		router.WithClock(o.clock),
		router.WithTokenGenerator(o.tokens),
		router.WithMetrics(o.metrics),
		router.WithRetryInterval(cfg.Engine.DispatchInterval),
	}
	journalOpts := []events.Option{
		events.WithClock(o.clock),
		events.WithTokenGenerator(o.tokens),
		events.WithMetrics(o.metrics),
	}
	if o.audit != nil {
		routerOpts = append(routerOpts, router.WithRecorder(o.audit))
		journalOpts = append(journalOpts, events.WithSink(o.audit))
	}
	rt := router.New(reg, logger, routerOpts...)
	reg.SetNotifier(rt)
	journal := events.New(logger, journalOpts...)

	soulOpts := []soul.Option{
		soul.WithClock(o.clock),
		soul.WithTokenGenerator(o.tokens),
		soul.WithMetrics(o.metrics),
		soul.WithSettings(SoulSettings(cfg)),
	}
	if o.resonance != nil {
		soulOpts = append(soulOpts, soul.WithResonance(o.resonance))
	}
	if o.hook != nil {
		soulOpts = append(soulOpts, soul.WithTransitionHook(o.hook))
	}
	souls := soul.New(reg, rt, journal, logger, soulOpts...)

	e := &Engine{
		cfg:      cfg,
		registry: reg,
		router:   rt,
		journal:  journal,
		souls:    souls,
		persist:  persist.New(reg, souls, logger),
		dispatcher: NewDispatcher(journal, souls, logger,
			WithDispatchInterval(cfg.Engine.DispatchInterval),
			OnAlert(o.onAlert),
			OnLost(o.onLost)),
		maintenance: NewMaintenance(souls, cfg.Engine.MaintenanceInterval, logger),
		metrics:     o.metrics,
		logger:      logger.Named("engine"),
	}
	rt.Handle(model.MsgCriticalSecurityBreach, e.handleBreach)
	return e
}

// SoulSettings maps the configuration onto connection manager tuning.
func SoulSettings(cfg config.Config) soul.Settings {
	return soul.Settings{
		MinStrength:       cfg.Soul.MinStrength,
		EmergencyStrength: cfg.Soul.EmergencyStrength,
		DefaultSyncHz:     cfg.Soul.DefaultSyncFrequencyHz,
		EmergencySyncHz:   cfg.Soul.EmergencySyncFrequencyHz,
		RecoveryThreshold: cfg.Soul.RecoveryThreshold,
		HandshakeTimeout:  cfg.Engine.HandshakeTimeout,
	}
}

// handleBreach turns a critical_security_breach message into an
// EmergencyAlert asking for an emergency binding between the receiving
// elder and the reporter (or the node named in content["target"]).
func (e *Engine) handleBreach(ctx context.Context, msg model.Message) error {
	target := msg.SenderID
	if t, ok := msg.Content["target"].(string); ok && t != "" {
		target = t
	}
	data := map[string]any{
		"source":     msg.ReceiverID,
		"target":     target,
		"message_id": msg.ID,
	}
	if reason, ok := msg.Content["reason"].(string); ok {
		data["reason"] = reason
	}
	ev := e.journal.Emit(ctx, model.EventEmergencyAlert, "", msg.SenderID, data)
	e.logger.Warn("security breach reported",
		zap.String("event_id", ev.ID),
		zap.String("reporter", msg.SenderID),
		zap.String("elder", msg.ReceiverID),
		zap.String("target", target))
	return nil
}

// Client API.

func (e *Engine) AddNode(node model.Node) error { return e.registry.AddNode(node) }

func (e *Engine) BindSoul(ctx context.Context, id string, force bool) error {
	return e.registry.BindSoul(ctx, id, force)
}

func (e *Engine) UnbindSoul(ctx context.Context, id string) error {
	return e.registry.UnbindSoul(ctx, id)
}

func (e *Engine) Send(ctx context.Context, msg model.Message) (model.Message, error) {
	return e.router.Send(ctx, msg)
}

func (e *Engine) CreateBinding(ctx context.Context, a, b string, ct model.ConnectionType, force bool) (model.Binding, error) {
	return e.souls.CreateBinding(ctx, a, b, ct, force)
}

func (e *Engine) EmergencyBind(ctx context.Context, a, b string) (model.Binding, error) {
	return e.souls.EmergencyBind(ctx, a, b)
}

func (e *Engine) Status() hierarchy.Status { return e.registry.Status() }

// Component access.

func (e *Engine) Registry() *hierarchy.Registry { return e.registry }
func (e *Engine) Router() *router.Router { return e.router }
func (e *Engine) Journal() *events.Journal { return e.journal }
func (e *Engine) Souls() *soul.Manager { return e.souls }
func (e *Engine) Persistence() *persist.Layer { return e.persist }
func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }
func (e *Engine) Maintenance() *Maintenance { return e.maintenance }
func (e *Engine) Metrics() *metrics.Registry { return e.metrics }

// Load restores the configured tree and binding documents. A document that
// does not exist yet is skipped; any other failure is returned and leaves
// memory untouched.
func (e *Engine) Load() error {
	p := e.cfg.Persistence
	if p.TreePath != "" && exists(p.TreePath) {
		if err := e.persist.LoadState(p.TreePath); err != nil {
			return err
		}
	}
	if p.BindingsPath != "" && exists(p.BindingsPath) {
		if err := e.persist.LoadBindings(p.BindingsPath); err != nil {
			return err
		}
	}
	return nil
}

// Save writes both configured documents. Failures are logged and joined.
func (e *Engine) Save() error {
	p := e.cfg.Persistence
	var errs []error
	if p.TreePath != "" {
		errs = append(errs, e.persist.SaveState(p.TreePath))
	}
	if p.BindingsPath != "" {
		errs = append(errs, e.persist.SaveBindings(p.BindingsPath))
	}
	return errors.Join(errs...)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Run starts the router, dispatcher, maintenance and autosave loops and
// blocks until ctx is cancelled or a loop fails. On return state has been
// saved and every decay goroutine has exited.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting",
		zap.Duration("dispatch_interval", e.cfg.Engine.DispatchInterval),
		zap.Duration("maintenance_interval", e.cfg.Engine.MaintenanceInterval))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.router.Run(gctx) })
	g.Go(func() error { return e.dispatcher.Run(gctx) })
	g.Go(func() error { return e.maintenance.Run(gctx) })
	if d := e.cfg.Persistence.AutosaveInterval; d > 0 {
		g.Go(func() error { return e.autosave(gctx, d) })
	}

	err := g.Wait()
	if ctx.Err() != nil {
		err = nil
	}

	if saveErr := e.Save(); saveErr != nil {
		e.logger.Error("final save failed", zap.Error(saveErr))
	}
	e.Close()
	e.logger.Info("engine stopped")
	return err
}

func (e *Engine) autosave(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Save(); err != nil {
				e.logger.Warn("autosave failed", zap.Error(err))
			}
		}
	}
}

// Close stops every decay goroutine and the router queue. It is
// idempotent.
func (e *Engine) Close() {
	e.souls.Stop()
	e.router.Close()
}
