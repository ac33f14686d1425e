package common

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	LogDir    = "./log/"
	RenderDir = "./render/"
)

var Logger *zap.Logger

func init() {
	Logger = NewLogger(true)
}

func InitLogger(testEnv bool) {
	Logger = NewLogger(testEnv)
}

func NewLogger(testEnv bool) *zap.Logger {
	var core zapcore.Core
	if testEnv {
		encoderCfg := zap.NewDevelopmentEncoderConfig()
		consoleEncoder := zapcore.NewConsoleEncoder(encoderCfg)
		core = zapcore.NewCore(consoleEncoder, zapcore.AddSync(zapcore.Lock(os.Stdout)), zapcore.DebugLevel)
	} else {
		w := zapcore.AddSync(&lumberjack.Logger{
			Filename: LogDir + "app.log",
			MaxSize:  100, // MB
			MaxAge:   7,   // days
			Compress: true,
		})
		core = zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			w,
			zapcore.InfoLevel,
		)
	}
	return zap.New(core)
}
