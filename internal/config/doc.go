// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation,
// so the Gateway token can live outside the file:
//
//	gateway:
//	  url: ws://127.0.0.1:18789
//	  token: ${MOLTZER_GATEWAY_TOKEN}
package config
