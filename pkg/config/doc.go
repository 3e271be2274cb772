// Package config provides the virtual-host configuration consumed by the
// server engine.
//
// This package defines:
//   - Config: the root document of a webd configuration file
//   - ServerSettings: listener address, timeouts and request limits
//   - Host: one virtual host (name, port, document root, CGI directory,
//     aliases and proxy-pass rules)
//   - Snapshot: the immutable, compiled form shared by every connection
//
// File-based Configuration:
//
// Configuration is read from YAML (JSON documents are accepted as well):
//
//	cfg, err := config.LoadFromFile("webd.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	snap, err := config.NewSnapshot(cfg)
//
// A minimal file:
//
//	hosts:
//	  - name: example.net
//	    port: 8080
//	    root: /srv/example
//	    cgiDir: cgi-bin
//	    default: true
//	    aliases:
//	      - {prefix: /img, target: /srv/assets/img}
//	    proxy:
//	      - {prefix: /api, upstream: 127.0.0.1:9000}
//
// ${VAR} and ${VAR:-default} references are replaced from the environment
// before parsing.
//
// Documents are checked against an embedded JSON schema before they are
// decoded, then validated semantically by Config.Validate.
package config
