package logger

// Instance defines the interface for logging backends.
type Instance interface {
	Debug(message string, keyvals ...any)
	Info(message string, keyvals ...any)
	Warn(message string, keyvals ...any)
	Error(message string, keyvals ...any)
	Fatal(message string, keyvals ...any)
}

// Logger dispatches log calls to all configured backends.
type Logger struct {
	instances []Instance
}

var singleton *Logger

// Init initializes the global logger with one or more logging backends.
// It must be called before any logging function is used; calls made
// before Init are dropped.
func Init(instances ...Instance) {
	singleton = &Logger{instances: instances}
}

func dispatch(fn func(Instance)) {
	if singleton == nil {
		return
	}
	for _, instance := range singleton.instances {
		fn(instance)
	}
}

// Debug writes a message at DEBUG level to all configured backends.
func Debug(message string, keyvals ...any) {
	dispatch(func(i Instance) { i.Debug(message, keyvals...) })
}

// Info writes a message at INFO level to all configured backends.
func Info(message string, keyvals ...any) {
	dispatch(func(i Instance) { i.Info(message, keyvals...) })
}

// Warn writes a message at WARN level to all configured backends.
func Warn(message string, keyvals ...any) {
	dispatch(func(i Instance) { i.Warn(message, keyvals...) })
}

// Error writes a message at ERROR level to all configured backends.
func Error(message string, keyvals ...any) {
	dispatch(func(i Instance) { i.Error(message, keyvals...) })
}

// Fatal writes a message at FATAL level and terminates the program.
func Fatal(message string, keyvals ...any) {
	dispatch(func(i Instance) { i.Fatal(message, keyvals...) })
}
