package emqtt

import (
	"bytes"
	"context"
	"net"
	"sync"

	"github.com/emersion/go-smtp"
	"github.com/goccy/go-json"
	"github.com/roadrunner-plugins/emqtt/backend"
	"github.com/roadrunner-plugins/emqtt/debounce"
	"github.com/roadrunner-plugins/emqtt/handler"
	"github.com/roadrunner-plugins/emqtt/mqtt"
	"github.com/roadrunner-plugins/emqtt/storage"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

const pluginName string = "emqtt"

// Plugin wires the SMTP listener to the MQTT bridge
type Plugin struct {
	mu  sync.RWMutex
	cfg *Config
	log *zap.Logger

	publisher *mqtt.Publisher
	scheduler *debounce.Scheduler
	store     *storage.Store
	handler   *handler.Handler

	server   *smtp.Server
	listener net.Listener

	// Open SMTP sessions, reported at shutdown
	connections sync.Map // uuid -> *backend.Session

	// DATA buffers
	bufferPool sync.Pool

	// Attachment cleanup
	cleanupStop chan struct{}
}

// Init initializes the plugin with configuration
func (p *Plugin) Init(log *zap.Logger, cfg *Config) error {
	const op = errors.Op("emqtt_plugin_init")

	if cfg == nil {
		return errors.E(op, errors.Str("no configuration"))
	}

	err := cfg.InitDefault()
	if err != nil {
		return errors.E(op, err)
	}

	p.cfg = cfg
	p.log = log

	if dump, err := json.Marshal(cfg); err == nil {
		p.log.Debug("configuration", zap.ByteString("config", dump))
	}

	p.bufferPool = sync.Pool{
		New: func() any {
			buf := new(bytes.Buffer)
			buf.Grow(64 * 1024)
			return buf
		},
	}

	p.publisher = mqtt.NewPublisher(mqtt.Options{
		Host:           cfg.MQTT.Host,
		Port:           cfg.MQTT.Port,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		ClientIDPrefix: cfg.MQTT.ClientIDPrefix,
		Timeout:        cfg.MQTT.Timeout,
	}, log.Named("mqtt"))

	p.scheduler = debounce.NewScheduler(p.publisher, log.Named("debounce"))
	p.store = storage.NewStore(cfg.Attachments.Dir, log.Named("storage"))

	p.handler = handler.NewHandler(handler.Options{
		BaseTopic:             cfg.MQTT.Topic,
		ActivePayload:         cfg.MQTT.Payload,
		ResetPayload:          cfg.MQTT.ResetPayload,
		ResetDelay:            cfg.MQTT.ResetDelay(),
		SaveAttachments:       cfg.Attachments.Save,
		SaveDuringResetWindow: cfg.Attachments.SaveDuringResetTime,
	}, p.scheduler, p.store, log.Named("handler"))

	return nil
}

// Serve binds the SMTP listener and starts accepting mail
func (p *Plugin) Serve() chan error {
	errCh := make(chan error, 1)

	l, err := net.Listen("tcp", p.cfg.SMTP.Addr())
	if err != nil {
		errCh <- errors.E(errors.Op("emqtt_serve"), err)
		return errCh
	}

	if p.cfg.Attachments.Save {
		p.log.Info("saving image attachments",
			zap.String("dir", p.store.Dir()),
			zap.Duration("cleanup_after", p.cfg.Attachments.CleanupAfter),
		)

		// Start attachment cleanup if configured
		if p.cfg.Attachments.CleanupAfter > 0 {
			p.startCleanupRoutine()
		}
	}

	be := backend.NewBackend(
		context.Background(),
		p.cfg.SMTP.MaxMessageSize,
		p.cfg.SMTP.MaxRecipients,
		p.handler,
		&p.connections,
		&p.bufferPool,
		p.log.Named("smtp"),
	)

	s := smtp.NewServer(be)
	s.Addr = l.Addr().String()
	s.Domain = p.cfg.SMTP.Hostname
	s.ReadTimeout = p.cfg.SMTP.ReadTimeout
	s.WriteTimeout = p.cfg.SMTP.WriteTimeout
	s.MaxMessageBytes = p.cfg.SMTP.MaxMessageSize
	s.MaxRecipients = p.cfg.SMTP.MaxRecipients

	p.mu.Lock()
	p.server = s
	p.listener = l
	p.mu.Unlock()

	p.log.Info("running",
		zap.String("addr", l.Addr().String()),
		zap.String("hostname", p.cfg.SMTP.Hostname),
		zap.String("broker", p.publisher.Broker()),
		zap.Duration("reset_time", p.cfg.MQTT.ResetDelay()),
	)

	go func() {
		err := s.Serve(l)
		if err != nil && err != smtp.ErrServerClosed {
			p.log.Error("SMTP server stopped", zap.Error(err))
			errCh <- err
		}
	}()

	return errCh
}

// Addr returns the bound listen address, nil before Serve
func (p *Plugin) Addr() net.Addr {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop closes the listener along with any open session, drops pending resets
// and waits for in-flight publishes until ctx expires.
func (p *Plugin) Stop(ctx context.Context) error {
	const op = errors.Op("emqtt_stop")

	p.mu.Lock()
	defer p.mu.Unlock()

	p.log.Info("quitting")

	if p.cleanupStop != nil {
		close(p.cleanupStop)
		p.cleanupStop = nil
	}

	// sessions still open now are cut off by Close below
	open := 0
	p.connections.Range(func(_, value any) bool {
		if s, ok := value.(*backend.Session); ok {
			p.log.Info("closing open session",
				zap.String("uuid", s.UUID()),
				zap.String("remote_addr", s.RemoteAddr()),
			)
		}
		open++
		return true
	})
	if open > 0 {
		p.log.Warn("closing open sessions", zap.Int("sessions", open))
	}

	if p.server != nil {
		err := p.server.Close()
		if err != nil {
			p.log.Error("failed to close SMTP server", zap.Error(err))
		}
	}

	if p.scheduler != nil {
		err := p.scheduler.Stop(ctx)
		if err != nil {
			return errors.E(op, err)
		}
	}

	p.log.Info("emqtt stopped gracefully")
	return nil
}

// Name returns plugin name
func (p *Plugin) Name() string {
	return pluginName
}

// RPC returns RPC interface
func (p *Plugin) RPC() any {
	return &rpc{p: p}
}
