package main

import (
	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// pyroscopeLogger routes profiler logs through the process logger.
type pyroscopeLogger struct{}

func (pyroscopeLogger) Infof(format string, args ...any)  { logs.Infof(format, args...) }
func (pyroscopeLogger) Debugf(format string, args ...any) { logs.Debugf(format, args...) }
func (pyroscopeLogger) Errorf(format string, args ...any) { logs.Errorf(format, args...) }

func startProfiler(server, env string) (stop func(), err error) {
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "mdstore",
		ServerAddress:   server,
		Tags: map[string]string{
			"env": env,
		},
		Logger: pyroscopeLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "start pyroscope")
	}
	logs.Infof("profiling to %s", server)
	return func() {
		if err := profiler.Stop(); err != nil {
			logs.Warnf("stop pyroscope, err: %+v", err)
		}
	}, nil
}
