package runner

// go test invocation
const (
	DefaultGoBinary = "go"

	TestCommand = "test"
	JSONFlag    = "-json"
	TimeoutFlag = "-timeout"
	CountFlag   = "-count"
	RunFlag     = "-run"
	SkipFlag    = "-skip"

	// -count=1 bypasses the test cache so retries really execute
	DisableCacheCount = "1"

	CurrentDirPattern = "."

	// MaxReasonableConcurrency caps the number of packages run at once
	MaxReasonableConcurrency = 32
)

// test2json actions the parser reacts to
const (
	ActionRun    = "run"
	ActionPass   = "pass"
	ActionFail   = "fail"
	ActionSkip   = "skip"
	ActionOutput = "output"
)
