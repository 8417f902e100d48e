package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"github.com/mdmdirector/mdmrelay/builders"
	"github.com/mdmdirector/mdmrelay/db"
	"github.com/mdmdirector/mdmrelay/director"
	"github.com/mdmdirector/mdmrelay/mdm"
	"github.com/mdmdirector/mdmrelay/prometheus"
	"github.com/mdmdirector/mdmrelay/settings"
	"github.com/mdmdirector/mdmrelay/utils"
	"github.com/micromdm/go4/env"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

func main() {
	var (
		port               string
		debugMode          bool
		logLevel           string
		logFormat          string
		dbConnectionString string
		serverURL          string
		pushGatewayURL     string
		pushGatewayAPIKey  string
		pushTimeout        time.Duration
		pushMaxRetries     int
		pushConcurrency    int
		failOnActivePolicy bool
		redisHost          string
		redisPort          string
		redisPassword      string
		basicAuthUser      string
		basicAuthPassword  string
		skipBodyBackfill   bool
		pushCertPath       string
		pushCertPassword   string
	)
	flag.BoolVar(&debugMode, "debug", env.Bool("DEBUG", false), "Enable debug mode")
	flag.StringVar(&logLevel, "loglevel", env.String("LOG_LEVEL", "warn"), "Log level. One of debug, info, warn, error")
	flag.StringVar(&logFormat, "log-format", env.String("LOG_FORMAT", "logfmt"), "Log format. Either logfmt or json")
	flag.StringVar(&port, "port", env.String("PORT", "8000"), "Port number to run mdmrelay on.")
	flag.StringVar(&dbConnectionString, "db-connection-string", env.String("DB_CONNECTION_STRING", ""), "Postgres connection string. Falls back to settings.json.")
	flag.StringVar(&serverURL, "server-url", env.String("SERVER_URL", ""), "Public URL of this server, used in enrollment package manifests")
	flag.StringVar(&pushGatewayURL, "push-gateway-url", env.String("PUSH_GATEWAY_URL", ""), "Push gateway URL")
	flag.StringVar(&pushGatewayAPIKey, "push-gateway-api-key", env.String("PUSH_GATEWAY_API_KEY", ""), "Push gateway API key")
	flag.DurationVar(&pushTimeout, "push-timeout", 10*time.Second, "Timeout for a single push attempt")
	flag.IntVar(&pushMaxRetries, "push-max-retries", 3, "Retries for a failed push")
	flag.IntVar(&pushConcurrency, "push-concurrency", 16, "Concurrent pushes when notifying a business unit")
	flag.BoolVar(&failOnActivePolicy, "fail-on-active-policy", env.Bool("FAIL_ON_ACTIVE_POLICY", false), "Reject policy creation when an active policy of the same kind exists instead of replacing it")
	flag.StringVar(&redisHost, "redis-host", env.String("REDIS_HOST", ""), "Redis host. Notifications are delivered inline when unset.")
	flag.StringVar(&redisPort, "redis-port", env.String("REDIS_PORT", "6379"), "Redis port")
	flag.StringVar(&redisPassword, "redis-password", env.String("REDIS_PASSWORD", ""), "Redis password")
	flag.StringVar(&basicAuthUser, "basic-auth-user", env.String("BASIC_AUTH_USER", "mdmrelay"), "Username for the metrics endpoint")
	flag.StringVar(&basicAuthPassword, "basic-auth-password", env.String("BASIC_AUTH_PASSWORD", ""), "Password for the metrics endpoint")
	flag.BoolVar(&skipBodyBackfill, "skip-body-backfill", false, "Do not fill in missing command bodies at startup")
	flag.StringVar(&pushCertPath, "push-certificate", env.String("PUSH_CERTIFICATE", ""), "Path to a PKCS#12 push certificate to import at startup")
	flag.StringVar(&pushCertPassword, "push-certificate-password", env.String("PUSH_CERTIFICATE_PASSWORD", ""), "Password for the push certificate")
	flag.Parse()

	level, err := log.ParseLevel(utils.LogLevel())
	if err != nil {
		log.Fatalf("Unable to parse the log level - %s \n", err)
	}
	log.SetLevel(level)
	if logFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}

	if pushGatewayURL == "" {
		log.Fatal("Push gateway URL missing. Exiting.")
	}
	if basicAuthPassword == "" {
		log.Fatal("Basic auth password missing. Exiting.")
	}

	if dbConnectionString == "" {
		cwd, err := os.Getwd()
		if err != nil {
			log.Fatal(err)
		}
		s, err := settings.LoadSettings(cwd)
		if err != nil {
			log.Fatal(err)
		}
		dbConnectionString = s.ConnectionString
	}
	if dbConnectionString == "" {
		log.Fatal("Database connection string missing. Exiting.")
	}

	if err := db.Open(dbConnectionString, debugMode); err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	commands := director.NewCommandQueue(db.DB)
	if !skipBodyBackfill {
		if _, err := commands.BackfillBodies(ctx); err != nil {
			log.Fatal(err)
		}
	}

	builderRegistry, err := builders.NewRegistry(builders.Standard()...)
	if err != nil {
		log.Fatal(err)
	}

	conflictMode := director.ReplaceActive
	if failOnActivePolicy {
		conflictMode = director.FailOnActive
	}

	retry := utils.DefaultRetryConfig()
	retry.MaxRetries = pushMaxRetries

	registry := director.NewRegistry(db.DB)
	if pushCertPath != "" {
		p12, err := os.ReadFile(pushCertPath)
		if err != nil {
			log.Fatal(err)
		}
		if _, err := registry.ImportPushCertificate(ctx, filepath.Base(pushCertPath), p12, pushCertPassword); err != nil {
			log.Fatal(err)
		}
	}
	dispatcher := director.NewDispatcher(
		db.DB,
		registry,
		mdm.NewGatewayTransport(utils.PushGatewayURL(), utils.PushGatewayAPIKey(), pushTimeout),
		director.DispatcherConfig{
			Timeout:     pushTimeout,
			Retry:       retry,
			Concurrency: pushConcurrency,
		},
	)

	var scheduler director.Scheduler = director.DispatchScheduler{Dispatcher: dispatcher}
	if redisHost != "" {
		queue := director.NewNotificationQueue(director.RedisClient(), scheduler)
		if err := queue.Start(ctx); err != nil {
			log.Fatal(err)
		}
		defer queue.Close()
		scheduler = queue
	}

	admin := &director.Service{
		DB:        db.DB,
		Policies:  director.NewPolicyStore(db.DB, conflictMode),
		Registry:  registry,
		Commands:  commands,
		Notifier:  director.NewNotifier(scheduler),
		Builders:  builderRegistry,
		ServerURL: utils.ServerURL(),
	}

	server := &director.Server{
		DB:       db.DB,
		Registry: registry,
		Commands: commands,
	}

	r := mux.NewRouter()
	r.HandleFunc("/checkin", server.CheckinHandler).Methods("PUT")
	r.HandleFunc("/connect", server.ConnectHandler).Methods("PUT")
	r.HandleFunc("/health", director.HealthCheck(db.DB)).Methods("GET")
	r.HandleFunc("/device/{udid}/push", utils.BasicAuth(admin.PokeHandler)).Methods("POST")
	r.Handle("/metrics", utils.BasicAuth(promhttp.Handler().ServeHTTP)).Methods("GET")
	http.Handle("/", r)

	director.Metrics()
	prometheus.Metrics(db.DB)

	log.Info("mdmrelay is running on port " + port)
	log.Fatal(http.ListenAndServe(":"+port, nil))
}
