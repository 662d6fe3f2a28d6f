package main

import "time"

// Flag structs decouple cobra from logic for testing.

type GlobalFlags struct {
	ConfigPath string
	CacheDir   string
	LogLevel   string
}

type FingerprintFlags struct {
	Files []string
	Dirs  []string
}

type WhenChangedFlags struct {
	Files   []string
	Dirs    []string
	Message string
}

type SpawnFlags struct {
	Name      string
	WorkDir   string
	Env       []string
	LogDir    string
	Singleton bool
	Timeout   time.Duration
}

type ServeFlags struct {
	NoServices bool
	NoSteps    bool
}

type WatchFlags struct {
	Debounce time.Duration
}

type WhichFlags struct {
	EnvVar string
}

type EnvsFlags struct {
	Root string
}

type TestFlags struct {
	Scripts  []string
	FailFast bool
	Dir      string
	Report   string
}
