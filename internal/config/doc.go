// Package config provides configuration loading for toolgate.
//
// Files ending in .toml are parsed as TOML; everything else is parsed as YAML.
// Environment variables written as ${VAR_NAME} are expanded before parsing,
// duration fields are written as strings ("30s", "24h") and parsed afterwards,
// and Validate rejects configurations the gateway cannot run with.
//
// Example YAML:
//
//	server:
//	  http_addr: ":8080"
//	  grpc_addr: ":50051"
//	database:
//	  driver: sqlite
//	  dsn: ./data/toolgate.db
//	auth:
//	  jwt_secret: ${TOOLGATE_JWT_SECRET}
//	  session_ttl: 24h
//	quota:
//	  exact: true
package config
