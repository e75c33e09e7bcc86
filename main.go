package main

import (
	"context"
	"fmt"
	golog "log"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"retrovert/captions"
	"retrovert/config"
	"retrovert/convert"
	"retrovert/credentials"
	"retrovert/database"
	"retrovert/fetch"
	"retrovert/ffmpeg"
	"retrovert/governor"
	"retrovert/jobs"
	"retrovert/presets"
	"retrovert/split"
	"retrovert/sweeper"
	"retrovert/users"
	"retrovert/ytdlp"
)

var db *gorm.DB

func ensureAdminAccount(db *gorm.DB) error {
	exists, err := users.Exists(db)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	password, err := config.GetAdminInitialPassword()
	if err != nil {
		return err
	}
	return users.Create(db, "admin", password)
}

func main() {

	initLogger()

	log.Infof("GitSHA: %s", config.GetGitSHA())
	log.Infof("BuildDate: %s", config.GetBuildDate())

	ffmpeg.Init(log)
	ytdlp.Init(log)
	fetch.Init(log)
	convert.Init(log)
	split.Init(log)
	governor.Init(log)
	sweeper.Init(log)

	if err := presets.Validate(); err != nil {
		log.Panicf("preset catalog invalid: %v", err)
	}

	gormLogger := logger.New(
		golog.New(os.Stdout, "\r\n", golog.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			Colorful:                  false,
		},
	)

	if err := os.MkdirAll(config.GetConfigDir(), 0700); err != nil {
		log.Panicf("failed to create config dir %s", config.GetConfigDir())
	}
	if err := os.MkdirAll(filepath.Join(config.GetDataDir(), "tmp"), 0700); err != nil {
		log.Panicf("failed to create data dir %s", config.GetDataDir())
	}

	dbPath := filepath.Join(config.GetConfigDir(), "jobs.db")
	var err error
	db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		log.Panicf("failed to connect to database %s", dbPath)
	}

	// set only a single connection so we don't actually have concurrent writes
	sqlDB, err := db.DB()
	if err != nil {
		log.Panicln("failed to retrieve database")
	}
	sqlDB.SetMaxOpenConns(1)

	db.AutoMigrate(&jobs.Job{}, &users.User{})

	database.Init(db, log)
	defer database.Fini()

	jobStore = jobs.NewStore(db, log)

	// in-memory slots do not survive a restart, so neither do the jobs
	// that held them
	if _, err := jobStore.FailInFlight("interrupted by restart"); err != nil {
		log.Panicf("could not fail in-flight jobs: %v", err)
	}

	sweep = sweeper.New(config.GetDataDir(), config.GetRetentionWindow(), config.GetAuditRetentionWindow(), jobStore,
		config.GetConfigDir())
	gov = governor.New(governor.Limits{
		MaxDuration:   config.GetMaxDuration(),
		MaxSize:       config.GetMaxFilesize(),
		DiskThreshold: config.GetDiskThreshold(),
		Slots:         config.GetConcurrencyCeiling(),
	}, config.GetDataDir(), sweep)

	cookiesFile := ""
	if ok, msg, _, err := credentials.Validate(config.GetCookiesFile()); err != nil {
		log.Warnln("could not validate cookie file:", err)
	} else if ok {
		cookiesFile = config.GetCookiesFile()
		log.Infoln("cookie file:", msg)
	} else {
		log.Infoln("credentialed fetch disabled:", msg)
	}
	fetcher = fetch.NewExecutor(cookiesFile)

	pipe = convert.NewPipeline(
		filepath.Join(config.GetDataDir(), "tmp"),
		convert.SubtitleLimits{
			MaxDuration: config.GetSubtitleMaxDuration(),
			MaxSize:     config.GetSubtitleMaxFilesize(),
		},
		captions.Style{
			PlayResX: 176,
			PlayResY: 144,
			FontSize: config.GetCaptionFontSize(),
			Margin:   config.GetCaptionMargin(),
		},
	)
	splitter = split.NewManager()

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	go sweep.Run(sweepCtx, time.Hour)

	if err := ensureAdminAccount(db); err != nil {
		panic(fmt.Sprintf("failed to create admin user: %v", err))
	}

	key, err := config.GetSessionAuthKey()
	if err != nil {
		panic(fmt.Sprintf("%v", err))
	}
	store = sessions.NewCookieStore(key)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   30 * 24 * 60 * 60, // seconds
		HttpOnly: true,
		Secure:   config.GetSecure(),
	}

	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/health", healthHandler)
	e.GET("/presets", presetsHandler)
	e.GET("/strategies", strategiesHandler)
	e.POST("/login", loginPostHandler)
	e.GET("/logout", logoutHandler)

	e.GET("/api/status/:id", statusHandler)
	e.GET("/api/jobs", jobsHandler, authMiddleware)
	e.GET("/download/:id", downloadHandler)
	e.GET("/download/:id/part/:n", downloadPartHandler)

	e.POST("/convert", convertHandler, authMiddleware)
	e.POST("/cancel/:id", cancelHandler, authMiddleware)
	e.POST("/split/:id", splitHandler, authMiddleware)
	e.POST("/burn/:id", burnHandler, authMiddleware)

	e.GET("/cookies", cookiesStatusHandler, authMiddleware)
	e.POST("/cookies", cookiesUploadHandler, authMiddleware)
	e.DELETE("/cookies", cookiesDeleteHandler, authMiddleware)

	e.Logger.Fatal(e.Start(config.GetListenAddr()))
}
