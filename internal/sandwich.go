package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/WelcomerTeam/Sandwich-Gateway/internal/identify"
	"github.com/WelcomerTeam/Sandwich-Gateway/internal/rest"
	"github.com/WelcomerTeam/Sandwich-Gateway/messaging"
	"github.com/WelcomerTeam/Sandwich-Gateway/pkg/accumulator"
	"github.com/WelcomerTeam/Sandwich-Gateway/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"golang.org/x/oauth2"
)

// VERSION follows semantic versioning.
const VERSION = "2.0.0"

const (
	eventSampleInterval = 10 * time.Second
	eventSamples        = 60
)

// SandwichOptions overrides collaborators created from the configuration.
type SandwichOptions struct {
	Dialer   Dialer
	Executor rest.Executor
	Queue    identify.Queue
	Producer messaging.Client
}

// Sandwich ties the manager, the REST client, the producer and the status
// API together.
type Sandwich struct {
	Logger zerolog.Logger

	Configuration *Configuration
	StartTime     time.Time

	Ratelimiter *ratelimit.Ratelimiter
	Rest        *rest.Client
	Manager     *Manager
	Producer    *Producer

	Events   *accumulator.Accumulator
	Registry *prometheus.Registry

	options SandwichOptions
	server  *fasthttp.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSandwich creates the REST client and metrics registry. Open connects
// the producer and the shards.
func NewSandwich(logger zerolog.Logger, configuration *Configuration, options SandwichOptions) (*Sandwich, error) {
	sg := &Sandwich{
		Logger: logger,

		Configuration: configuration,
		StartTime:     time.Now().UTC(),

		Events:   accumulator.NewAccumulator("events", eventSamples, eventSampleInterval),
		Registry: prometheus.NewRegistry(),

		options: options,
	}

	if err := RegisterMetrics(sg.Registry); err != nil {
		return nil, err
	}

	sg.Ratelimiter = ratelimit.NewRatelimiter(logger.With().Str("component", "ratelimit").Logger(), ratelimit.Options{
		GlobalRequestsPerSecond: configuration.Rest.GlobalRequestsPerSecond,
		GlobalWait:              configuration.Rest.GlobalWait,
		FeedbackTimeout:         configuration.Rest.FeedbackTimeout,
	})

	executor := options.Executor
	if executor == nil {
		executor = sg.newExecutor()
	}

	sg.Rest = rest.NewClient(logger.With().Str("component", "rest").Logger(), executor, sg.Ratelimiter)
	sg.Rest.MaxRetries = configuration.Rest.MaxRetries

	if sg.options.Dialer == nil {
		sg.options.Dialer = &WebsocketDialer{ReadLimit: WebsocketReadLimit}
	}

	return sg, nil
}

func (sg *Sandwich) newExecutor() *rest.FastHTTPExecutor {
	configuration := sg.Configuration.Rest

	var authorizer rest.Authorizer = rest.BotToken(sg.Configuration.Gateway.Token)

	if configuration.BearerToken != "" {
		authorizer = rest.TokenSource(oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: configuration.BearerToken,
			TokenType:   "Bearer",
		}))
	}

	executor := rest.NewFastHTTPExecutor(authorizer, configuration.BaseURL)
	executor.UserAgent = replaceIfEmpty(configuration.UserAgent, rest.UserAgent)
	executor.Timeout = configuration.Timeout
	executor.Client.ReadTimeout = configuration.Timeout
	executor.Client.WriteTimeout = configuration.Timeout

	return executor
}

// Open connects the producer, starts the shards and serves the status API.
func (sg *Sandwich) Open(ctx context.Context) error {
	sg.ctx, sg.cancel = context.WithCancel(ctx)

	sg.Logger.Info().Str("version", VERSION).Msg("Starting sandwich")

	client := sg.options.Producer
	if client == nil {
		var err error

		client, err = ConnectProducer(sg.ctx, sg.Configuration.Producer)
		if err != nil {
			return err
		}
	}

	if client == nil {
		sg.Logger.Warn().Msg("No producer configured, dispatch events will only be counted")
	}

	sg.Producer = NewProducer(sg.Logger, sg.Configuration.Identifier, client, sg.Configuration.Producer, sg.Events)

	go sg.Events.Run(sg.ctx)

	sg.Manager = NewManager(sg.Logger, sg.Configuration, ManagerOptions{
		Gateway:    sg.Rest,
		Dialer:     sg.options.Dialer,
		Queue:      sg.options.Queue,
		Dispatcher: sg.Producer,
	})

	if err := sg.Manager.Initialize(sg.ctx); err != nil {
		return fmt.Errorf("failed to initialize manager: %w", err)
	}

	if err := sg.Manager.Open(sg.ctx); err != nil {
		return fmt.Errorf("failed to open manager: %w", err)
	}

	if sg.Configuration.HTTP.Enabled {
		sg.server = &fasthttp.Server{
			Name:    "sandwich",
			Handler: sg.NewRouter(),
		}

		go sg.serve()
	}

	return nil
}

func (sg *Sandwich) serve() {
	sg.Logger.Info().Str("host", sg.Configuration.HTTP.Host).Msg("Serving status API")

	if err := sg.server.ListenAndServe(sg.Configuration.HTTP.Host); err != nil {
		sg.Logger.Error().Err(err).Msg("Status API stopped")
	}
}

// Status returns a snapshot of the whole gateway.
func (sg *Sandwich) Status() SandwichStatus {
	status := SandwichStatus{
		Version: VERSION,
		Uptime:  time.Since(sg.StartTime).Round(time.Second).String(),
	}

	if sg.Manager != nil {
		status.Manager = sg.Manager.Status()
	}

	status.Manager.Events = sg.Events.Last(eventSamples)

	return status
}

// Close stops the status API, the shards and the producer.
func (sg *Sandwich) Close() error {
	sg.Logger.Info().Msg("Closing sandwich")

	var errs []error

	if sg.server != nil {
		if err := sg.server.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop status API: %w", err))
		}
	}

	if sg.Manager != nil {
		sg.Manager.Close()
	}

	if sg.Producer != nil {
		if err := sg.Producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close producer: %w", err))
		}
	}

	if sg.cancel != nil {
		sg.cancel()
	}

	sg.Ratelimiter.Close()

	return errors.Join(errs...)
}
