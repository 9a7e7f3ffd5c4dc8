package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	cacheNameFlag      string
	providerFlag       string
	dbFilenameFlag     string
	redisFlag          string
	noCacheStatusFlag  bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to YAML config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (default 8080)")
	flag.StringVar(&cacheNameFlag, "cache-name", "", "Cache name, i.e. generation tag (default "+offlinecache.DefaultCacheName+")")
	flag.StringVar(&providerFlag, "provider", "", "Cache provider to use: sqlite, memory or redis (default sqlite)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name for the sqlite provider (default cache.db, use 'memory' for in-memory db)")
	flag.StringVar(&redisFlag, "redis", "", "Redis address for the redis provider")
	flag.BoolVar(&noCacheStatusFlag, "no-cache-status", false, "Do not add Cache-Status headers")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	var config Config
	if configFilenameFlag != "" {
		var err error
		if config, err = getConfig(configFilenameFlag); err != nil {
			log.Fatal().Err(err).Str("config", configFilenameFlag).Msg("Could not read config")
		}
	}
	flags := Config{
		Origin:    originFlag,
		Port:      portFlag,
		CacheName: cacheNameFlag,
		Provider:  providerFlag,
		DB:        dbFilenameFlag,
		Redis:     redisFlag,
	}
	if noCacheStatusFlag {
		cacheStatus := false
		flags.CacheStatus = &cacheStatus
	}
	config = withDefaults(merge(config, flags))

	// get the downstream server address
	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse url")
	}

	provider, err := newProvider(config)
	if err != nil {
		log.Fatal().Err(err).Str("provider", config.Provider).Msg("Could not set up cache provider")
	}

	ocache, err := offlinecache.New(offlinecache.Config{
		CacheName:   config.CacheName,
		CoreAssets:  config.CoreAssets,
		BypassHosts: config.BypassHosts,
		BaseURL:     *originURL,
		Storage:     provider,
		Logger:      &log.Logger,
		CacheStatus: *config.CacheStatus,
		IgnoreVary:  config.IgnoreVary,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create offline cache")
	}
	defer ocache.Close()

	// the origin may be unreachable at startup, requests then go straight to the network
	// until installing through the admin route succeeds
	if err := ocache.Install(context.Background()); err != nil {
		log.Error().Err(err).Msg("Could not install offline cache")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Mount("/_offline", ocache.AdminRoutes())
	r.Handle("/*", ocache)

	log.Info().Msgf("Proxying port %v to %s (cache '%s', provider %s)",
		config.Port, originURL.String(), ocache.Policy().CacheName, config.Provider)
	err = http.ListenAndServe(fmt.Sprintf(":%d", config.Port), r)

	if err != nil {
		panic(err)
	}
}

// merge returns the file config with every set flag taking precedence.
func merge(config, flags Config) Config {
	if flags.Origin != "" {
		config.Origin = flags.Origin
	}
	if flags.Port != 0 {
		config.Port = flags.Port
	}
	if flags.CacheName != "" {
		config.CacheName = flags.CacheName
	}
	if flags.Provider != "" {
		config.Provider = flags.Provider
	}
	if flags.DB != "" {
		config.DB = flags.DB
	}
	if flags.Redis != "" {
		config.Redis = flags.Redis
	}
	if flags.CacheStatus != nil {
		config.CacheStatus = flags.CacheStatus
	}
	return config
}

func withDefaults(config Config) Config {
	if config.Port == 0 {
		config.Port = 8080
	}
	if config.Provider == "" {
		config.Provider = "sqlite"
	}
	if config.DB == "" {
		config.DB = "cache.db"
	}
	if config.CacheStatus == nil {
		cacheStatus := true
		config.CacheStatus = &cacheStatus
	}
	return config
}

func newProvider(config Config) (cache.CacheProvider, error) {
	switch config.Provider {
	case "sqlite":
		return cache.NewSQLiteCache(config.DB)
	case "memory":
		return cache.NewMemCache(), nil
	case "redis":
		if config.Redis == "" {
			return nil, fmt.Errorf("redis provider needs a redis address")
		}
		return cache.NewRedisCache(cache.RedisConfig{
			Client:      goredis.NewClient(&goredis.Options{Addr: config.Redis}),
			CloseClient: true,
		})
	default:
		return nil, fmt.Errorf("unsupported cache provider: %s", config.Provider)
	}
}
