package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	// ErrNilPointer is returned when Load receives a nil destination.
	ErrNilPointer = errors.New("nil pointer passed to config loader")

	// ErrParsingConfig wraps env tag parsing failures.
	ErrParsingConfig = errors.New("failed to parse environment into config")

	// ErrLoadingEnvFiles wraps .env file read failures from LoadEnv.
	ErrLoadingEnvFiles = errors.New("failed to load env files")
)

// Parsed configs are cached by type so required-variable validation and
// reflection run once per process, however many components share a struct.
var (
	mu     sync.Mutex
	cache  = make(map[string]any)
	dotEnv sync.Once
)

// Load populates cfg from the process environment using its env tags,
// reading the default .env file on first use. Each config type is parsed
// once; later calls receive the cached copy.
func Load[T any](cfg *T) error {
	if cfg == nil {
		return ErrNilPointer
	}

	dotEnv.Do(func() {
		// A missing .env file is not an error; the environment wins anyway.
		_ = godotenv.Load()
	})

	key := typeKey[T]()

	mu.Lock()
	defer mu.Unlock()

	if cached, ok := cache[key]; ok {
		*cfg = cached.(T)
		return nil
	}

	if err := env.Parse(cfg); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}

	cache[key] = *cfg
	return nil
}

// MustLoad is Load for configs the process cannot start without.
func MustLoad[T any](cfg *T) {
	if err := Load(cfg); err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
}

// LoadEnv reads the named .env files before any Load call, overriding the
// default .env lookup. Useful when configs live outside the working
// directory.
func LoadEnv(files ...string) error {
	var err error
	dotEnv.Do(func() {
		if e := godotenv.Load(files...); e != nil {
			err = errors.Join(ErrLoadingEnvFiles, e)
		}
	})
	return err
}

// Reset clears the cache so tests can reload configs after mutating the
// environment.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	cache = make(map[string]any)
}

func typeKey[T any]() string {
	var zero T
	if t := reflect.TypeOf(zero); t != nil {
		return t.String()
	}
	return fmt.Sprintf("%T", *new(T))
}
