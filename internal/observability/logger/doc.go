// Package logger provides the signer's Zap logger with context-based scoping.
//
// # Design Decisions
//
//   - Singleton: una sola instancia global inicializada con Init() en cmd/signer.
//   - Context Scoping: cada request lleva un logger "scoped" con request_id y requester,
//     sin crear un nuevo core.
//   - Environments: "dev" usa consola con colores, "prod" usa JSON.
//   - Redaction: ningún helper acepta material de clave. Los campos de negocio son ids,
//     algoritmos, decisiones y digests; nunca payloads ni firmas en crudo.
//
// # Usage
//
//	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel, ServiceName: "signer"})
//	defer logger.Sync()
//
//	log := logger.From(ctx)
//	log.Info("sign granted", logger.KeyID(id), logger.Decision("granted"))
package logger
