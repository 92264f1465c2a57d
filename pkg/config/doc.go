// Package config loads scriptbridge configuration.
//
// A configuration file is YAML:
//
//	server:
//	  port: "8080"
//	  keepAlive: false
//	  maxBodySize: 10485760
//	  metricsPort: "127.0.0.1:9090"
//	log:
//	  level: info
//	  format: text
//	client:
//	  userAgent: scriptbridge
//	  timeout: 30s
//	recording:
//	  limit: 1000
//	routes:
//	  - method: GET
//	    path: /hello/*
//	    status: 200
//	    headers:
//	      Content-Type: text/plain
//	    body: '"hello " + path'
//
// ${VAR} and ${VAR:-default} references are expanded before parsing. After
// loading, SCRIPTBRIDGE_PORT and SCRIPTBRIDGE_LOG_LEVEL override the file.
package config
