// Feedgate
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package service assembles the feedgate process: configuration, the
// adaptor, the push pipeline, both HTTP servers, and the scheduled and
// polled enumeration jobs.
package service

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/feedgate/lib/adaptor"
	"github.com/gravitational/feedgate/lib/config"
	"github.com/gravitational/feedgate/lib/defaults"
	"github.com/gravitational/feedgate/lib/feed"
	"github.com/gravitational/feedgate/lib/journal"
	"github.com/gravitational/feedgate/lib/push"
	"github.com/gravitational/feedgate/lib/saml"
	"github.com/gravitational/feedgate/lib/session"
	"github.com/gravitational/feedgate/lib/transform"
	"github.com/gravitational/feedgate/lib/watchdog"
	"github.com/gravitational/feedgate/lib/web"
)

// AppConfig configures an Application.
type AppConfig struct {
	// Adaptor is the repository back end to serve.
	Adaptor adaptor.Adaptor
	// Config is the loaded configuration store.
	Config *config.Config
	// SigningCert enables the SAML endpoints when set.
	SigningCert *tls.Certificate
	// ContentListener overrides the content port listener; optional and
	// consumed by the first Start. Restarts bind the configured port.
	ContentListener net.Listener
	// DashboardListener overrides the dashboard port listener; optional
	// and consumed by the first Start.
	DashboardListener net.Listener
	// FeedClient performs feed uploads; nil uses a client with the
	// default send timeout.
	FeedClient *http.Client
	// InitRetries bounds transient adaptor init retries.
	InitRetries int
	// InitRetryDelay separates adaptor init retries.
	InitRetryDelay time.Duration
	// Clock drives every timer in the process.
	Clock clockwork.Clock
	// Logger is the process logger.
	Logger *slog.Logger
	// LogBuffer feeds the dashboard getLog method; optional.
	LogBuffer *web.LogBuffer
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *AppConfig) CheckAndSetDefaults() error {
	if c.Adaptor == nil {
		return trace.BadParameter("missing parameter Adaptor")
	}
	if c.Config == nil {
		return trace.BadParameter("missing parameter Config")
	}
	if c.InitRetries <= 0 {
		c.InitRetries = 10
	}
	if c.InitRetryDelay <= 0 {
		c.InitRetryDelay = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With("component", "service")
	}
	if c.FeedClient == nil {
		c.FeedClient = &http.Client{Timeout: defaults.FeedSendTimeout}
	}
	return nil
}

// Application is one assembled feedgate process. Start brings every
// component up in dependency order; Stop tears them down, draining
// in-flight exchanges first.
type Application struct {
	cfg    AppConfig
	clock  clockwork.Clock
	logger *slog.Logger

	journal  *journal.Journal
	waiter   *watchdog.ShutdownWaiter
	sessions *session.Manager
	pusher   *push.DocIdSender
	async    *push.AsyncDocIdSender

	group    *errgroup.Group
	groupCtx context.Context
	cancel   context.CancelFunc

	// pushCtx bounds the enumeration jobs so Stop can interrupt a push
	// without waiting for it.
	pushCtx    context.Context
	pushCancel context.CancelFunc

	mu             sync.Mutex
	started        bool
	stopped        bool
	configListener bool
	servers        []*http.Server
	schedule       *cron.Cron
	cronID         cron.EntryID
	cronSpec       string
}

// NewApplication returns an application ready to Start.
func NewApplication(cfg AppConfig) (*Application, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Application{
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}, nil
}

// Journal exposes the runtime statistics, for embedding callers.
func (a *Application) Journal() *journal.Journal { return a.journal }

// Start validates configuration, initializes the adaptor, and brings up
// the servers and the scheduled jobs. It does not block; use Wait. A
// stopped application can be started again.
func (a *Application) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return trace.BadParameter("application is already started")
	}
	a.started = true
	a.stopped = false
	a.servers = nil
	a.schedule = nil
	a.cronID = 0
	a.cronSpec = ""
	a.mu.Unlock()

	// A failed start leaves nothing running; clear the flag so the
	// caller may try again.
	running := false
	defer func() {
		if !running {
			a.mu.Lock()
			a.started = false
			a.mu.Unlock()
		}
	}()

	if err := a.cfg.Config.Validate(); err != nil {
		return trace.Wrap(err)
	}
	if err := a.initAdaptor(ctx); err != nil {
		return trace.Wrap(err)
	}

	view := a.cfg.Config
	datasource, err := view.Get(config.KeyFeedName)
	if err != nil {
		return trace.Wrap(err)
	}
	gsaHost, err := view.Get(config.KeyGsaHostname)
	if err != nil {
		return trace.Wrap(err)
	}
	secure, _ := view.GetBool(config.KeyServerSecure)
	public, _ := view.GetBool(config.KeyMarkAllDocsAsPublic)
	maxURLs, _ := view.GetInt(config.KeyFeedMaxURLs)
	archiveDir, _ := view.Get(config.KeyFeedArchiveDirectory)
	sendDocControls, _ := view.GetBool(config.KeyServerSendDocControls)
	headerTimeout := a.configDuration(config.KeyServerHeaderTimeout, defaults.HeaderTimeout)
	contentTimeout := a.configDuration(config.KeyServerContentTimeout, defaults.ContentTimeout)
	errorRateWindow, _ := view.GetInt(config.KeyJournalErrorRateWindow)

	a.journal = journal.New(a.clock, errorRateWindow)
	a.waiter = watchdog.NewShutdownWaiter(a.clock)
	a.sessions, err = session.NewManager(session.ManagerConfig{
		Clock:        a.clock,
		SecureCookie: secure,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	codec, err := a.buildCodec(secure)
	if err != nil {
		return trace.Wrap(err)
	}
	a.pusher, err = a.buildPusher(codec, datasource, gsaHost, secure, public, maxURLs, archiveDir)
	if err != nil {
		return trace.Wrap(err)
	}
	queueCapacity, _ := view.GetInt(config.KeyAsyncQueueCapacity)
	a.async, err = push.NewAsyncDocIdSender(push.AsyncConfig{
		Pusher:        a.pusher,
		Clock:         a.clock,
		QueueCapacity: queueCapacity,
		MaxLatency:    a.configDuration(config.KeyAsyncBatchLatency, defaults.AsyncMaxLatency),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if aware, ok := adaptor.AsyncPushAwareOf(a.cfg.Adaptor); ok {
		aware.SetAsyncPusher(a.async)
	}

	contentMux, err := a.buildContentMux(codec, secure, public, sendDocControls, headerTimeout, contentTimeout)
	if err != nil {
		return trace.Wrap(err)
	}
	dashboardMux := web.NewDashboardMux(&web.RPCHandler{
		Sessions: a.sessions,
		Config:   a.cfg.Config,
		Journal:  a.journal,
		Logs:     a.cfg.LogBuffer,
	})

	a.groupCtx, a.cancel = context.WithCancel(ctx)
	a.group, a.groupCtx = errgroup.WithContext(a.groupCtx)
	a.pushCtx, a.pushCancel = context.WithCancel(context.Background())

	if err := a.startServers(contentMux, dashboardMux); err != nil {
		a.cancel()
		return trace.Wrap(err)
	}
	a.group.Go(func() error {
		return a.sessions.Run(a.groupCtx)
	})
	a.group.Go(func() error {
		err := a.async.Run(a.groupCtx)
		if a.groupCtx.Err() != nil {
			return nil
		}
		return trace.Wrap(err)
	})
	a.watchConfig()
	if err := a.startSchedule(); err != nil {
		a.cancel()
		return trace.Wrap(err)
	}
	a.startIncrementalPolling()
	a.startupPush()
	running = true

	a.logger.InfoContext(ctx, "Feedgate is running.",
		"datasource", datasource, "indexer", gsaHost)
	return nil
}

// initAdaptor runs the adaptor's startup phase, retrying transient
// failures with a fixed delay. Permanent startup errors abort.
func (a *Application) initAdaptor(ctx context.Context) error {
	initializer, ok := a.cfg.Adaptor.(adaptor.Initializer)
	if !ok {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= a.cfg.InitRetries; attempt++ {
		lastErr = initializer.Init(ctx)
		if lastErr == nil {
			return nil
		}
		if IsPermanentStartupError(lastErr) {
			return trace.Wrap(lastErr)
		}
		a.logger.WarnContext(ctx, "Adaptor init failed, retrying.",
			"attempt", attempt, "error", lastErr)
		select {
		case <-a.clock.After(a.cfg.InitRetryDelay):
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
	return trace.Wrap(lastErr, "adaptor init failed after %v attempts", a.cfg.InitRetries)
}

// buildCodec derives the content endpoint base URL from configuration.
func (a *Application) buildCodec(secure bool) (*adaptor.DocIdCodec, error) {
	hostname, _ := a.cfg.Config.Get(config.KeyServerHostname)
	if hostname == "" {
		var err error
		hostname, err = os.Hostname()
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
	}
	port, _ := a.cfg.Config.GetInt(config.KeyServerPort)
	scheme := "http"
	if secure {
		scheme = "https"
	}
	base, err := url.Parse(fmt.Sprintf("%s://%s:%d%s", scheme, hostname, port, defaults.DocIdPathPrefix))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return adaptor.NewDocIdCodec(base)
}

func (a *Application) buildPusher(codec *adaptor.DocIdCodec, datasource, gsaHost string, secure, public bool, maxURLs int, archiveDir string) (*push.DocIdSender, error) {
	sender, err := feed.NewSender(gsaHost, secure, a.cfg.FeedClient)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var gsaVersion *semver.Version
	if raw, err := a.cfg.Config.Get(config.KeyGsaVersion); err == nil && raw != "" {
		if v, err := semver.NewVersion(raw); err == nil {
			gsaVersion = v
		} else {
			a.logger.Warn("Unparsable indexer version, assuming oldest.",
				"version", raw, "error", err)
		}
	}
	rawFormat, _ := a.cfg.Config.Get(config.KeyDomainFormat)
	domainFormat, err := adaptor.ParseDomainFormat(rawFormat)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return push.NewDocIdSender(push.SenderConfig{
		Maker: &feed.Maker{
			Codec:                codec,
			DomainFormat:         domainFormat,
			UseHTTPSSOWorkaround: !public,
		},
		Sender:              sender,
		Archiver:            &feed.Archiver{Dir: archiveDir, Clock: a.clock},
		Journal:             a.journal,
		Clock:               a.clock,
		Datasource:          datasource,
		MaxURLsPerFeed:      maxURLs,
		MarkAllDocsAsPublic: public,
		GsaVersion:          gsaVersion,
	})
}

func (a *Application) buildContentMux(codec *adaptor.DocIdCodec, secure, public, sendDocControls bool, headerTimeout, contentTimeout time.Duration) (*http.ServeMux, error) {
	configured, _ := a.cfg.Config.GetStringList(config.KeyServerFullAccessHosts)
	gsaHost, _ := a.cfg.Config.Get(config.KeyGsaHostname)
	if gsaHost != "" {
		configured = append(configured, gsaHost)
	}
	if adminHost, _ := a.cfg.Config.Get(config.KeyGsaAdminHostname); adminHost != "" {
		configured = append(configured, adminHost)
	}
	fullAccess := make([]string, 0, len(configured))
	for _, host := range configured {
		fullAccess = append(fullAccess, hostOnly(host))
	}

	pipeline, err := a.buildTransforms(config.KeyTransformPipeline)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	metaPipeline, err := a.buildTransforms(config.KeyMetaTransformPipeline)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	documents, err := web.NewDocumentHandler(web.DocumentHandlerConfig{
		Codec:               codec,
		Adaptor:             a.cfg.Adaptor,
		Journal:             a.journal,
		Watchdog:            watchdog.New(a.clock),
		Waiter:              a.waiter,
		Sessions:            a.sessions,
		FullAccessHosts:     fullAccess,
		MarkAllDocsAsPublic: public,
		HeaderTimeout:       headerTimeout,
		ContentTimeout:      contentTimeout,
		SendDocControls:     sendDocControls,
		ContentTransforms:   pipeline,
		MetadataTransforms:  metaPipeline,
		Clock:               a.clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	mux := http.NewServeMux()
	mux.Handle(defaults.DocIdPathPrefix, documents)
	mux.Handle(defaults.HeartbeatPathPrefix, &web.HeartbeatHandler{
		Documents:         documents,
		PathPrefix:        defaults.HeartbeatPathPrefix,
		ContentPathPrefix: defaults.DocIdPathPrefix,
	})
	if err := a.mountSamlHandlers(mux, codec, secure); err != nil {
		return nil, trace.Wrap(err)
	}
	return mux, nil
}

// buildTransforms parses one pipeline definition from configuration.
// Returns nil when the key defines no stages.
func (a *Application) buildTransforms(key string) (*transform.Pipeline, error) {
	stages, err := transform.ParsePipeline(a.cfg.Config, key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(stages) == 0 {
		return nil, nil
	}
	pipeline, err := transform.NewPipeline(stages)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return pipeline, nil
}

// mountSamlHandlers wires the authentication and authorization endpoints
// when a SAML IdP and a signing certificate are configured.
func (a *Application) mountSamlHandlers(mux *http.ServeMux, codec *adaptor.DocIdCodec, secure bool) error {
	entityID, _ := a.cfg.Config.Get(config.KeySamlEntityID)
	if entityID == "" {
		return nil
	}
	if a.cfg.SigningCert == nil {
		return trace.BadParameter("SAML is configured but no signing certificate was supplied")
	}
	idpEntityID, _ := a.cfg.Config.Get(config.KeySamlIdpEntityID)
	ssoURL, _ := a.cfg.Config.Get(config.KeySamlIdpSsoURL)
	artifactURL, _ := a.cfg.Config.Get(config.KeySamlIdpArtifactURL)
	lifetimeSecs, _ := a.cfg.Config.GetInt(config.KeySamlAssertionLifetime)

	acs := *codec.BaseURL
	acs.Path = defaults.SamlAssertionConsumerPath
	acs.RawPath = ""
	sp, err := saml.NewServiceProvider(saml.Config{
		EntityID:                 entityID,
		IDPEntityID:              idpEntityID,
		IDPSSOURL:                ssoURL,
		IDPArtifactResolutionURL: artifactURL,
		ACSURL:                   acs.String(),
		SigningCert:              *a.cfg.SigningCert,
		Clock:                    a.clock,
		AssertionLifetime:        time.Duration(lifetimeSecs) * time.Second,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	var authority adaptor.AuthzAuthority
	if authz, ok := adaptor.AuthzAuthorityOf(a.cfg.Adaptor); ok {
		authority = authz
	}
	mux.Handle(defaults.SamlAuthnPath, &saml.AuthnHandler{SP: sp, Sessions: a.sessions})
	mux.Handle(defaults.SamlAssertionConsumerPath, &saml.AssertionConsumerHandler{SP: sp, Sessions: a.sessions})
	mux.Handle(defaults.SamlAuthzPath, &saml.BatchAuthzHandler{SP: sp, Codec: codec, Authority: authority})
	return nil
}

func (a *Application) startServers(contentMux, dashboardMux http.Handler) error {
	contentListener := a.cfg.ContentListener
	a.cfg.ContentListener = nil
	if contentListener == nil {
		port, _ := a.cfg.Config.GetInt(config.KeyServerPort)
		var err error
		contentListener, err = net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return trace.ConvertSystemError(err)
		}
	}
	dashboardListener := a.cfg.DashboardListener
	a.cfg.DashboardListener = nil
	if dashboardListener == nil {
		port, _ := a.cfg.Config.GetInt(config.KeyServerDashboardPort)
		var err error
		dashboardListener, err = net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			contentListener.Close()
			return trace.ConvertSystemError(err)
		}
	}

	for _, s := range []struct {
		name     string
		listener net.Listener
		handler  http.Handler
	}{
		{name: "content", listener: contentListener, handler: contentMux},
		{name: "dashboard", listener: dashboardListener, handler: dashboardMux},
	} {
		srv := &http.Server{Handler: s.handler}
		a.mu.Lock()
		a.servers = append(a.servers, srv)
		a.mu.Unlock()
		listener := s.listener
		name := s.name
		a.group.Go(func() error {
			err := srv.Serve(listener)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return trace.Wrap(err, "%v server failed", name)
		})
	}
	return nil
}

// watchConfig follows the configuration file and re-wires the full
// listing schedule when it changes. The modification listener survives
// restarts, so it is registered once per Config.
func (a *Application) watchConfig() {
	a.mu.Lock()
	register := !a.configListener
	a.configListener = true
	a.mu.Unlock()
	if register {
		a.registerScheduleListener()
	}
	a.group.Go(func() error {
		err := a.cfg.Config.Watch(a.groupCtx)
		if err != nil && !trace.IsBadParameter(err) && a.groupCtx.Err() == nil {
			a.logger.Warn("Configuration watcher stopped.", "error", err)
		}
		// A process without a config file simply has no hot reload.
		return nil
	})
}

func (a *Application) registerScheduleListener() {
	a.cfg.Config.AddListener(func(event config.ModificationEvent) {
		for _, key := range event.ModifiedKeys {
			if key != config.KeyFullListingSchedule {
				continue
			}
			spec, err := a.cfg.Config.Get(config.KeyFullListingSchedule)
			if err != nil {
				continue
			}
			if err := a.rewireSchedule(spec); err != nil {
				a.logger.Warn("Ignoring invalid full listing schedule.",
					"schedule", spec, "error", err)
			} else {
				a.logger.Info("Full listing schedule updated.", "schedule", spec)
			}
		}
	})
}

func (a *Application) startSchedule() error {
	spec, err := a.cfg.Config.Get(config.KeyFullListingSchedule)
	if err != nil {
		return trace.Wrap(err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.schedule = cron.New()
	if spec != "" {
		id, err := a.schedule.AddFunc(spec, a.runFullPush)
		if err != nil {
			return trace.BadParameter("invalid full listing schedule %q: %v", spec, err)
		}
		a.cronID = id
		a.cronSpec = spec
	}
	a.schedule.Start()
	return nil
}

// rewireSchedule swaps the cron entry when the schedule changes.
func (a *Application) rewireSchedule(spec string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.schedule == nil || spec == a.cronSpec {
		return nil
	}
	if spec == "" {
		a.schedule.Remove(a.cronID)
		a.cronSpec = ""
		return nil
	}
	id, err := a.schedule.AddFunc(spec, a.runFullPush)
	if err != nil {
		return trace.BadParameter("invalid schedule %q: %v", spec, err)
	}
	a.schedule.Remove(a.cronID)
	a.cronID = id
	a.cronSpec = spec
	return nil
}

func (a *Application) runFullPush() {
	if err := a.pusher.PushFullDocIdsFromAdaptor(a.pushCtx, a.cfg.Adaptor); err != nil {
		a.logger.Warn("Full push failed.", "error", err)
	}
}

// startIncrementalPolling runs the adaptor's incremental lister on a
// fixed period when the capability exists.
func (a *Application) startIncrementalPolling() {
	lister, ok := adaptor.IncrementalListerOf(a.cfg.Adaptor)
	if !ok {
		return
	}
	periodSecs, _ := a.cfg.Config.GetInt(config.KeyIncrementalPollPeriod)
	period := time.Duration(periodSecs) * time.Second
	a.group.Go(func() error {
		ticker := a.clock.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				if err := a.pusher.PushIncrementalDocIdsFromAdaptor(a.pushCtx, lister); err != nil {
					a.logger.Warn("Incremental push failed.", "error", err)
				}
			case <-a.groupCtx.Done():
				return nil
			}
		}
	})
}

// startupPush runs one full enumeration in the background right after
// boot when configured to.
func (a *Application) startupPush() {
	enabled, _ := a.cfg.Config.GetBool(config.KeyPushDocIdsOnStartup)
	if !enabled {
		return
	}
	a.group.Go(func() error {
		a.runFullPush()
		return nil
	})
}

func (a *Application) configDuration(key string, fallback time.Duration) time.Duration {
	d, err := a.cfg.Config.GetDuration(key)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Wait blocks until every background job exits. Stop makes that happen.
func (a *Application) Wait() error {
	return trace.Wrap(a.group.Wait())
}

// Stop shuts the application down: new exchanges are rejected, the push
// worker is interrupted, in-flight exchanges are drained up to timeout,
// then the listeners close. Safe to call more than once.
func (a *Application) Stop(timeout time.Duration) {
	a.mu.Lock()
	if a.stopped || !a.started {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	servers := a.servers
	schedule := a.schedule
	a.mu.Unlock()

	if schedule != nil {
		schedule.Stop()
	}
	a.pushCancel()
	if !a.waiter.Shutdown(timeout) {
		a.logger.Warn("Shutdown deadline exceeded, closing with work in flight.")
	}

	deadline, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(deadline); err != nil {
			srv.Close()
		}
	}
	a.cancel()

	a.mu.Lock()
	a.started = false
	a.mu.Unlock()
}

// hostOnly strips an optional port from a configured host.
func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.TrimSpace(host)
}
