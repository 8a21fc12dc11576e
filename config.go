package main

import (
	"flag"
	"os"
)

type Flags struct {
	ListenAddr string
	ConfigPath string
}

func LoadFlags() Flags {
	f := Flags{}

	flag.StringVar(&f.ListenAddr, "addr", defaultAddr(), "Listen address (overrides the config file)")
	flag.StringVar(&f.ConfigPath, "config", envOrDefault("BOTGATE_CONFIG", "botgate.yaml"), "Path to the YAML config file")
	flag.Parse()

	return f
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultAddr() string {
	if v := os.Getenv("BOTGATE_ADDR"); v != "" {
		return v
	}
	// Railway, Render, etc. set PORT
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return ""
}
