// Package config loads and validates boardfleet configuration.
//
// Values come from built-in defaults, then a YAML file, then an optional
// .env file, then BOARDFLEET_* environment variables. Secrets such as the
// lease key and broker credentials belong in the environment, not the file.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Supervisor.HealthInterval)
package config
