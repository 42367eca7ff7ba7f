package task

// Names of the built-in tasks
const (
	RunMessage                    = "Run.Message"
	RunDelay                      = "Run.Delay"
	RunPublish                    = "Run.Publish"
	RunPublishFromFile            = "Run.PublishFromFile"
	RunPublishFromPreviousTaskLog = "Run.PublishFromPreviousTaskLog"
	RunAddMilestone               = "Run.AddMilestone"
	RunWaitForMilestone           = "Run.WaitForMilestone"
	RunStopTask                   = "Run.StopTask"
	RunCompressFiles              = "Run.CompressFiles"
	RunCliExecute                 = "Run.CliExecute"
	RunWebSocketToStore           = "Run.WebSocketToStore"
	RunWaitForTelemetry           = "Run.WaitForTelemetry"
	RunNotify                     = "Run.Notify"
	FlowParallel                  = "Flow.Parallel"
	PreRunCoordinate              = "PreRun.Coordinate"
	PreRunCheckAvailable          = "PreRun.CheckAvailable"
	PostRunReleaseResources       = "PostRun.ReleaseResources"
)

// DefaultRegistry returns a registry holding every built-in task
func DefaultRegistry() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

// RegisterBuiltins adds the built-in tasks to r
func RegisterBuiltins(r *Registry) {
	publishRules := Rules{
		"Pattern":          Required(),
		"Keys":             Optional([]any{}),
		"VerdictOnMatch":   Optional("NotSet"),
		"VerdictOnNoMatch": Optional("NotSet"),
	}
	fileRules := Rules{"Path": Required()}
	for k, v := range publishRules {
		fileRules[k] = v
	}

	r.Register(RunMessage, Rules{
		"Severity": Optional("INFO"),
		"Message":  Required(),
	}, message)
	r.Register(RunDelay, Rules{"Time": Optional(60)}, delay)
	r.Register(RunPublish, nil, publish)
	r.Register(RunPublishFromFile, fileRules, publishFromSource(fileLines))
	r.Register(RunPublishFromPreviousTaskLog, publishRules, publishFromSource(previousTaskLines))
	r.Register(RunAddMilestone, Rules{"Milestone": Required()}, addMilestone)
	r.Register(RunWaitForMilestone, Rules{
		"Milestone": Required(),
		"Timeout":   Optional(0),
		"Interval":  Optional(0),
	}, waitForMilestone)
	r.Register(RunStopTask, Rules{"Name": Required()}, stopTask)
	r.Register(RunCompressFiles, Rules{
		"Files":   Optional([]any{}),
		"Folders": Optional([]any{}),
		"Output":  Required(),
		"Flat":    Optional(false),
	}, compressFiles)
	r.Register(RunCliExecute, Rules{
		"Parameters": Required(),
		"CWD":        Optional(""),
	}, cliExecute)
	r.Register(RunWebSocketToStore, Rules{
		"URL":          Required(),
		"Measurement":  Required(),
		"TimestampKey": Optional(""),
		"StopName":     Optional(""),
		"MaxTime":      Optional(0),
		"Token":        Optional(""),
	}, webSocketToStore)
	r.Register(RunWaitForTelemetry, Rules{
		"Measurement":   Required(),
		"CheckInterval": Optional(30),
		"TimeWindow":    Optional(30),
	}, waitForTelemetry)
	r.Register(RunNotify, Rules{
		"Title":   Optional("Execution @{ExecutionId}"),
		"Message": Required(),
		"Type":    Optional("info"),
	}, sendNotification)
	r.Register(FlowParallel, nil, runParallel)
	r.Register(PreRunCoordinate, nil, coordinate)
	r.Register(PreRunCheckAvailable, Rules{
		ParamResources: Optional([]any{}),
		ParamExclusive: Optional(false),
	}, checkAvailable)
	r.Register(PostRunReleaseResources, Rules{
		ParamResources: Optional([]any{}),
	}, releaseResources)
}
