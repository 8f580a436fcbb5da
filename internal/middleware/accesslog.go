package middleware

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/octopusgw/octopus/internal/config"
	"github.com/octopusgw/octopus/internal/logging"
	"github.com/octopusgw/octopus/internal/reqctx"
)

var accessLogRWPool = sync.Pool{
	New: func() any { return &captureWriter{} },
}

// captureWriter records status and body bytes as they pass through.
type captureWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *captureWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *captureWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// AccessLog logs one structured entry per completed request. With a
// file configured, entries go to a size-rotated JSON log; otherwise
// they go through the global logger.
func AccessLog(cfg config.AccessLogConfig) Middleware {
	logger := accessLogger(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cw := accessLogRWPool.Get().(*captureWriter)
			cw.ResponseWriter = w
			cw.status = 0
			cw.bytes = 0

			start := time.Now()
			next.ServeHTTP(cw, r)
			elapsed := time.Since(start)

			fields := []zap.Field{
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", cw.status),
				zap.Int64("bytes", cw.bytes),
				zap.Duration("duration", elapsed),
			}
			if c := reqctx.FromRequest(r); c != nil {
				fields = append(fields,
					zap.String("request_id", c.RequestID),
					zap.String("route", c.Pattern),
					zap.String("cluster", c.Cluster),
					zap.String("upstream_addr", c.UpstreamAddr),
					zap.Int("attempts", c.Attempt),
				)
				if c.GatewayError != "" {
					fields = append(fields, zap.String("gateway_error", c.GatewayError))
				}
			}

			logger.Info("access", fields...)

			cw.ResponseWriter = nil
			accessLogRWPool.Put(cw)
		})
	}
}

// accessLogger builds the sink: rotated file or the global logger.
func accessLogger(cfg config.AccessLogConfig) *zap.Logger {
	if cfg.File == "" {
		return logging.Global()
	}

	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	})
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		sink,
		zapcore.InfoLevel,
	)
	return zap.New(core)
}
