package logger

import "go.uber.org/zap"

// S retorna el SugaredLogger del singleton. Lo usa el CLI para salida printf-style.
//
//	logger.S().Infof("imported key %s (%s)", id, alg)
func S() *zap.SugaredLogger {
	return L().Sugar()
}
