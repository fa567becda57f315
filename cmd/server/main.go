package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/swipearr/server/internal/app"
)

type configVar[T any] struct {
	envKey       string
	flagKey      string
	defaultValue T
}

var (
	secret = configVar[string]{
		envKey:       "SERVER_SECRET",
		flagKey:      "secret",
		defaultValue: "",
	}
	host = configVar[string]{
		envKey:       "SERVER_HOST",
		flagKey:      "host",
		defaultValue: "0.0.0.0",
	}
	port = configVar[int]{
		envKey:       "SERVER_PORT",
		flagKey:      "port",
		defaultValue: 8000,
	}
	logLevel = configVar[string]{
		envKey:       "SERVER_LOG_LEVEL",
		flagKey:      "log-level",
		defaultValue: "INFO",
	}
	upstreamURL = configVar[string]{
		envKey:       "UPSTREAM_URL",
		flagKey:      "upstream-url",
		defaultValue: "http://localhost:8001",
	}
	dataPath = configVar[string]{
		envKey:       "SERVER_DATA_PATH",
		flagKey:      "data-path",
		defaultValue: "/var/lib/swipearr/state.json",
	}
	posterCacheDir = configVar[string]{
		envKey:       "POSTER_CACHE_DIR",
		flagKey:      "poster-cache-dir",
		defaultValue: "/var/cache/swipearr/posters",
	}
	posterCacheBytes = configVar[int64]{
		envKey:       "POSTER_CACHE_BYTES",
		flagKey:      "poster-cache-bytes",
		defaultValue: 512 << 20,
	}
	batchSize = configVar[int]{
		envKey:       "SERVER_BATCH_SIZE",
		flagKey:      "batch-size",
		defaultValue: 25,
	}
	discoveryTTL = configVar[int]{
		envKey:       "DISCOVERY_TTL_HOURS",
		flagKey:      "discovery-ttl-hours",
		defaultValue: 24,
	}
	warmInterval = configVar[int]{
		envKey:       "WARM_INTERVAL_MINUTES",
		flagKey:      "warm-interval-minutes",
		defaultValue: 30,
	}
)

func loadAppConfig() *app.AppConfig {
	pflag.String(secret.flagKey, secret.defaultValue, "Shared login secret")
	pflag.String(host.flagKey, host.defaultValue, "Server host")
	pflag.Int(port.flagKey, port.defaultValue, "Server port")
	pflag.String(logLevel.flagKey, logLevel.defaultValue, "Logging level")
	pflag.String(upstreamURL.flagKey, upstreamURL.defaultValue, "Metadata gateway base URL")
	pflag.String(dataPath.flagKey, dataPath.defaultValue, "Persisted state file path")
	pflag.String(posterCacheDir.flagKey, posterCacheDir.defaultValue, "Poster cache directory")
	pflag.Int64(posterCacheBytes.flagKey, posterCacheBytes.defaultValue, "Poster cache size ceiling in bytes")
	pflag.Int(batchSize.flagKey, batchSize.defaultValue, "Movies per batch")
	pflag.Int(discoveryTTL.flagKey, discoveryTTL.defaultValue, "Discovery cache TTL in hours")
	pflag.Int(warmInterval.flagKey, warmInterval.defaultValue, "Discovery warm interval in minutes")
	pflag.Parse()

	viper.BindPFlags(pflag.CommandLine)

	viper.BindEnv(secret.flagKey, secret.envKey)
	viper.BindEnv(host.flagKey, host.envKey)
	viper.BindEnv(port.flagKey, port.envKey)
	viper.BindEnv(logLevel.flagKey, logLevel.envKey)
	viper.BindEnv(upstreamURL.flagKey, upstreamURL.envKey)
	viper.BindEnv(dataPath.flagKey, dataPath.envKey)
	viper.BindEnv(posterCacheDir.flagKey, posterCacheDir.envKey)
	viper.BindEnv(posterCacheBytes.flagKey, posterCacheBytes.envKey)
	viper.BindEnv(batchSize.flagKey, batchSize.envKey)
	viper.BindEnv(discoveryTTL.flagKey, discoveryTTL.envKey)
	viper.BindEnv(warmInterval.flagKey, warmInterval.envKey)

	return &app.AppConfig{
		Secret:           viper.GetString(secret.flagKey),
		Host:             viper.GetString(host.flagKey),
		Port:             viper.GetInt(port.flagKey),
		LogLevel:         viper.GetString(logLevel.flagKey),
		UpstreamURL:      viper.GetString(upstreamURL.flagKey),
		DataPath:         viper.GetString(dataPath.flagKey),
		PosterCacheDir:   viper.GetString(posterCacheDir.flagKey),
		PosterCacheBytes: viper.GetInt64(posterCacheBytes.flagKey),
		BatchSize:        viper.GetInt(batchSize.flagKey),
		DiscoveryTTLh:    viper.GetInt(discoveryTTL.flagKey),
		WarmIntervalMin:  viper.GetInt(warmInterval.flagKey),
	}
}

func main() {
	godotenv.Load()

	ctx := context.Background()

	appConfig := loadAppConfig()

	jsonConfig, _ := json.MarshalIndent(appConfig, "", "  ")
	fmt.Printf("starting app with config: %s\n", jsonConfig)

	log.Fatal(app.Run(ctx, appConfig))
}
