package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"ppekiosk/internal/catalog"
	"ppekiosk/internal/config"
	"ppekiosk/internal/handler"
	"ppekiosk/internal/logger"
	"ppekiosk/internal/metrics"
	"ppekiosk/internal/repository/sqlite"
	"ppekiosk/internal/route"
	"ppekiosk/internal/service"
	"ppekiosk/internal/service/ai"
	"ppekiosk/internal/service/ai/onnx"
	"ppekiosk/internal/service/device"
	"ppekiosk/internal/service/interlock"
	"ppekiosk/internal/service/notify"
	"ppekiosk/internal/service/session"
	"ppekiosk/internal/service/storage"
	"ppekiosk/internal/service/vision"
	"ppekiosk/internal/service/websocket"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	config  *config.Config
	logger  *logger.Logger
	metrics *metrics.Metrics

	db        *sqlite.DB
	engine    *ai.Engine
	session   *session.Session
	interlock *interlock.Interlock
	door      *device.Door
	reader    *device.Reader
	watchdogs []*device.Watchdog

	bufferService *storage.BufferService
	hubService    *websocket.HubService
	notifier      *notify.MQTTNotifier
	manager       *service.Manager

	server *http.Server
}

// NewApp builds every component. Hardware is not touched until Run; the watchdogs connect it.
func NewApp(cfg *config.Config, log *logger.Logger) (*App, error) {
	m := metrics.New()

	cat, err := catalog.Load(cfg.AssetDirectory)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	log.Info("Catalog loaded: %d classes, %d tasks", len(cat.ClassNames), len(cat.Tasks()))

	db, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}
	validations := sqlite.NewValidationRepository(db)
	events := sqlite.NewEventRepository(db)
	images := sqlite.NewImageRepository(db)

	net, err := onnx.Load(cfg.ModelPath, log.Named("onnx"))
	if err != nil {
		db.Close()
		return nil, err
	}
	enhancers, err := buildEnhancers(cfg)
	if err != nil {
		net.Close()
		db.Close()
		return nil, err
	}
	engine := ai.NewEngine(net, enhancers, cat, ai.OptionsFromConfig(cfg), log.Named("engine"), m)

	// Hardware
	fieldbus := device.NewFieldbus(service.DeviceFieldbus, device.FieldbusConfig{
		Address:    cfg.FieldbusAddress(),
		UnitID:     cfg.FieldbusUnitID,
		Timeout:    cfg.FieldbusTimeout,
		CoilBase:   cfg.CoilBase,
		InputBase:  cfg.InputBase,
		InputCount: cfg.InputCount,
	})
	door := device.NewDoor(fieldbus, nil, device.DoorConfig{
		Channel:     cfg.DoorChannel,
		ActiveOpens: cfg.DoorActiveOpens,
		AutoClose:   cfg.DoorAutoClose,
	}, log.Named("door"), m)
	camera := device.NewCamera(cfg.CameraIndex)
	reader := device.NewReader(device.NewSerialDevice(service.DeviceRFID, device.SerialConfig{
		VendorID:    cfg.RFIDVendorID,
		ProductID:   cfg.RFIDProductID,
		BaudRate:    cfg.RFIDBaudRate,
		ReadTimeout: cfg.RFIDReadTimeout,
	}), cfg.LogCooldown, log.Named("rfid"), m)

	// Safety
	lock := interlock.New(fieldbus, interlock.Actuators{
		Door:   door,
		Camera: camera,
		Reader: reader,
	}, interlock.Config{
		PollInterval:       cfg.InterlockPollInterval,
		EmergencyInput:     cfg.EmergencyInput,
		ButtonInput:        cfg.ButtonInput,
		EmergencyActiveLow: cfg.EmergencyActiveLow,
		ButtonActiveLow:    cfg.ButtonActiveLow,
		LogCooldown:        cfg.LogCooldown,
	}, log.Named("interlock"), m)
	door.SetGate(lock)

	queue := session.NewFrameQueue(m)
	sess := session.New(queue, engine, lock, nil, session.Options{
		Timeout:      cfg.SessionTimeout,
		PollInterval: cfg.SessionPollInterval,
	}, log.Named("session"), m)
	lock.SetSession(sess)

	watch := func(d device.Device, safety bool) *device.Watchdog {
		return device.NewWatchdog(d, device.WatchdogConfig{
			Safety:        safety,
			Backoff:       cfg.WatchdogBackoff,
			CheckInterval: cfg.WatchdogCheckInterval,
			LogCooldown:   cfg.LogCooldown,
		}, lock, log.Named("watchdog"), m)
	}
	watchdogs := []*device.Watchdog{
		watch(reader, false),
		watch(fieldbus, cfg.FieldbusSafety),
	}
	if cfg.DoorBoardEnabled {
		board := device.NewSerialDevice(service.DeviceDoorBoard, device.SerialConfig{
			VendorID:  cfg.DoorBoardVendorID,
			ProductID: cfg.DoorBoardProductID,
			BaudRate:  cfg.DoorBoardBaudRate,
		})
		watchdogs = append(watchdogs, watch(board, true))
	}

	// Sinks
	buffer := storage.NewBufferService(cfg, log.Named("storage"), images, validations)
	hub := websocket.NewHubService(log.Named("hub"))

	deps := service.Deps{
		Catalog:     cat,
		Session:     sess,
		Queue:       queue,
		Gate:        lock,
		Camera:      camera,
		Reader:      reader,
		Door:        door,
		Hub:         hub,
		Evidence:    buffer,
		Validations: validations,
		Events:      events,
	}
	var notifier *notify.MQTTNotifier
	if cfg.MQTTBroker != "" {
		notifier = notify.NewMQTTNotifier(cfg, log.Named("mqtt"))
		deps.Notifier = notifier
	}

	manager := service.NewManager(deps, service.SettingsFromConfig(cfg), log.Named("kiosk"), m)
	sess.SetObserver(manager)
	lock.SetListener(manager)

	reporters := make([]handler.DeviceReporter, 0, len(watchdogs))
	for _, w := range watchdogs {
		reporters = append(reporters, w)
	}
	router := route.SetupRoutes(route.Deps{
		Kiosk:       manager,
		Tasks:       cat,
		Safety:      lock,
		Devices:     reporters,
		Door:        door,
		Hub:         hub,
		Validations: validations,
		Events:      events,
		Images:      images,
		Metrics:     m,
		AdminKey:    cfg.AdminKey,
		Logger:      log.Named("http"),
	})

	return &App{
		config:        cfg,
		logger:        log,
		metrics:       m,
		db:            db,
		engine:        engine,
		session:       sess,
		interlock:     lock,
		door:          door,
		reader:        reader,
		watchdogs:     watchdogs,
		bufferService: buffer,
		hubService:    hub,
		notifier:      notifier,
		manager:       manager,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func buildEnhancers(cfg *config.Config) (vision.Enhancer, error) {
	var chain vision.Chain
	if cfg.EnhanceContrast {
		chain = append(chain, onnx.NewContrast())
	}
	if cfg.EnhanceSharpen {
		chain = append(chain, vision.Sharpen{})
	}
	if cfg.MaskPath != "" {
		mask, err := vision.LoadMask(cfg.MaskPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load mask: %w", err)
		}
		chain = append(chain, mask)
	}
	if len(chain) == 0 {
		return nil, nil
	}
	return chain, nil
}

// Run starts the kiosk and blocks until ctx is cancelled or the HTTP server fails.
func (a *App) Run(ctx context.Context) error {
	sinkCtx, stopSinks := context.WithCancel(context.Background())
	coreCtx, stopCore := context.WithCancel(context.Background())
	var sinks, core sync.WaitGroup

	start := func(wg *sync.WaitGroup, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	// Start background services
	start(&sinks, func() { a.hubService.Run(sinkCtx) })
	start(&sinks, func() { a.bufferService.Run(sinkCtx) })
	if a.notifier != nil {
		if err := a.notifier.Connect(); err != nil {
			a.logger.Warning("MQTT not connected yet: %v", err)
		}
		start(&sinks, func() { a.notifier.Run(sinkCtx) })
	}

	for _, w := range a.watchdogs {
		w := w
		start(&core, func() { w.Run(coreCtx) })
	}
	start(&core, func() { a.interlock.Run(coreCtx) })
	start(&core, func() { a.session.Run(coreCtx) })
	start(&core, func() { a.reader.Run(coreCtx, a.onCard) })

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("PPE kiosk %s listening on %s", a.config.Location, a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down")
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warning("HTTP shutdown: %v", err)
	}

	a.manager.Shutdown()
	a.door.Lock()

	// devices and the session stop first so their last records reach the sinks
	stopCore()
	core.Wait()
	stopSinks()
	sinks.Wait()

	a.close()
	return runErr
}

func (a *App) onCard(cardID string) {
	if _, err := a.manager.HandleCard(cardID); err != nil {
		a.logger.Info("Card %s: %v", cardID, err)
	}
}

func (a *App) close() {
	if err := a.engine.Close(); err != nil {
		a.logger.Warning("Failed to close inference backend: %v", err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warning("Failed to close audit store: %v", err)
	}
	a.logger.Info("Kiosk stopped")
}
