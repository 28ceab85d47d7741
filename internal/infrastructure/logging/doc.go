// Package logging builds the process-wide slog logger.
//
// Records are JSON by default or text for development, filtered by level,
// and always carry service and version. Output goes to stdout, stderr or a
// file rotated by lumberjack.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, file
//	  file:
//	    path: "./logs/avrbridge.log"
//	    max_size: 50     # megabytes
//	    max_backups: 5
//	    max_age: 30      # days
//	    compress: true
//
// Components take a child logger tagged with their name:
//
//	log := logging.New(cfg.Logging, version)
//	client.SetLogger(log.With("component", "receiver"))
package logging
