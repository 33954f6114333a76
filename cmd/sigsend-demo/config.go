package main

import (
	"os"
	"strconv"
	"strings"
)

type config struct {
	Store       string
	StoreDSN    string
	MongoDBName string

	ServerURL string
	AuthToken string

	LocalDeviceID uint32
	ToAddr        string
	Message       string

	LogLevel string
}

func loadConfig() config {
	cfg := config{}
	cfg.Store = strings.ToLower(getenv("SIGSEND_STORE", "memory"))
	cfg.StoreDSN = os.Getenv("SIGSEND_STORE_DSN")
	cfg.MongoDBName = getenv("SIGSEND_MONGO_DB", "sigsend")
	cfg.ServerURL = getenv("SIGSEND_SERVER_URL", "http://localhost:8080")
	cfg.AuthToken = os.Getenv("SIGSEND_AUTH_TOKEN")
	cfg.LocalDeviceID = uint32(getenvInt("SIGSEND_LOCAL_DEVICE_ID", 1))
	cfg.ToAddr = getenv("SIGSEND_TO", "bob")
	cfg.Message = getenv("SIGSEND_MESSAGE", "hello from sigsend-demo")
	cfg.LogLevel = strings.ToLower(getenv("SIGSEND_LOG_LEVEL", "info"))
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}
