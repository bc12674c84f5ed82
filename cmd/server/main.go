package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	logs "autolevel.ai/internal/persistence/log"
	"autolevel.ai/internal/sim/multiworld"
	"autolevel.ai/internal/sim/simhost"
	"autolevel.ai/internal/sim/tuning"
	"autolevel.ai/internal/transport/observer"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		worldsPath = flag.String("worlds", "", "simulated host scenario (default: <configs>/worlds.yaml)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index (classifications + event history)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	wp := strings.TrimSpace(*worldsPath)
	if wp == "" {
		wp = filepath.Join(*configDir, "worlds.yaml")
	}
	sc, err := simhost.LoadScenario(wp)
	if err != nil {
		logger.Fatalf("load scenario: %v", err)
	}
	w, err := simhost.NewWorld(sc, log.New(os.Stdout, "[host] ", log.LstdFlags|log.Lmicroseconds))
	if err != nil {
		logger.Fatalf("new world: %v", err)
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}
	events := logs.NewEventLogger(*dataDir, func(err error) { logger.Printf("event log: %v", err) })
	defer events.Close()
	chat := logs.NewChatLogger(*dataDir)
	defer chat.Close()

	idx, err := openIndex(*dataDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index: %v", err)
	}
	if idx != nil {
		defer idx.Close()
	}

	obs := observer.NewServer(log.New(os.Stdout, "[observer] ", log.LstdFlags|log.Lmicroseconds))

	sink := multiSink{events, obs}
	if idx != nil {
		sink = append(sink, idx)
	}
	mgr := multiworld.NewManager(w, multiworld.Options{
		Tuning:    tune,
		ConfigDir: *configDir,
		Sink:      sink,
		Logger:    log.New(os.Stdout, "[autolevel] ", log.LstdFlags|log.Lmicroseconds),
		StateFile: filepath.Join(*dataDir, "state", "status.json"),
	})
	defer mgr.Close()

	if mgr.Inert() == nil {
		st := mgr.Status()
		logger.Printf("%s v%s: %s block definitions, %s thrusters, %s generators",
			st.Mod, st.ModVersion,
			humanize.Comma(int64(st.Blocks)), humanize.Comma(int64(st.Thrusters)), humanize.Comma(int64(st.Generators)))
		if idx != nil {
			if err := idx.UpsertClassifications(mgr.Catalog(), mgr.Index(), tune); err != nil {
				logger.Printf("index classifications: %v", err)
			}
		}
	}

	w.Subscribe(mgr)
	w.OnChat(func(line simhost.ChatLine) {
		obs.PublishChat(line.Partition, line.Text, time.UnixMilli(line.AtMS))
		if err := chat.WriteChat(line); err != nil {
			logger.Printf("chat log: %v", err)
		}
	})
	if err := w.Start(time.Now()); err != nil {
		logger.Printf("start: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	go func() {
		if err := mgr.Run(ctx, tune.UpdateInterval()); err != nil {
			logger.Printf("update loop: %v", err)
		}
	}()

	app := &server{
		world: w,
		mgr:   mgr,
		idx:   idx,
		obs:   obs,
		log:   logger,
		now:   time.Now,
	}
	enableAdminHTTP := envBool("AUTOLEVEL_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	if !enableAdminHTTP {
		logger.Printf("admin endpoints disabled (AUTOLEVEL_ENABLE_ADMIN_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           app.routes(enableAdminHTTP),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
