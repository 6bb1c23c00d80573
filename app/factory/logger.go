package factory

import (
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

func NewModuleLogger(module string) logrus.FieldLogger {
	return logrus.StandardLogger().WithField("module", module)
}

// LoggerWithContext adds request-scoped fields known to echo.
func LoggerWithContext(logger logrus.FieldLogger, ctx echo.Context) logrus.FieldLogger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if ctx == nil {
		return logger
	}

	fields := logrus.Fields{}
	requestID := ctx.Request().Header.Get(echo.HeaderXRequestID)
	if requestID == "" {
		requestID = ctx.Response().Header().Get(echo.HeaderXRequestID)
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if userID, ok := ctx.Get(UserIDContextKey).(string); ok && userID != "" {
		fields["user_id"] = userID
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.WithFields(fields)
}

// UserIDContextKey is where the user middleware stores the authenticated user id.
const UserIDContextKey = "billing_user_id"
