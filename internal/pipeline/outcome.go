package pipeline

import (
	"fmt"
	"strings"
)

// Kind of outcome
type Kind string

const (
	KindSuccess        Kind = "success"
	KindPartialFailure Kind = "partial_failure"
	KindRejected       Kind = "rejected"
)

// Reason a message was rejected
type Reason string

const (
	ReasonAlreadyProcessed Reason = "already_processed"
	ReasonMalformed        Reason = "malformed"
	ReasonUnknownCustomer  Reason = "unknown_customer"
)

// Stage names, as stored in stage_failures
type Stage string

const (
	StageExtract   Stage = "extract"
	StageSummarize Stage = "summarize"
	StageArchive   Stage = "archive"
	StageNotify    Stage = "notify"
)

// ArchiveStage is the stage of a single archiver, e.g. "archive:git"
func ArchiveStage(archiver string) Stage {
	return Stage(string(StageArchive) + ":" + archiver)
}

// StageFailure is a recoverable failure of one stage
type StageFailure struct {
	Stage Stage
	Cause error
}

// Outcome is the result of a non-fatal pipeline run. Exactly one of the
// Kind specific fields is meaningful: Failures for partial failures,
// Reason for rejections.
type Outcome struct {
	Kind          Kind
	Reason        Reason
	Failures      []StageFailure
	ThreadID      int64
	ThreadCreated bool
}

// Committed reports whether the message was persisted by this run
func (o Outcome) Committed() bool {
	return o.Kind == KindSuccess || o.Kind == KindPartialFailure
}

func (o Outcome) String() string {
	switch o.Kind {
	case KindRejected:
		return fmt.Sprintf("rejected(%s)", o.Reason)
	case KindPartialFailure:
		stages := make([]string, 0, len(o.Failures))
		for _, f := range o.Failures {
			stages = append(stages, string(f.Stage))
		}
		return fmt.Sprintf("partial_failure(%s)", strings.Join(stages, ","))
	default:
		return string(o.Kind)
	}
}

func rejected(reason Reason) Outcome {
	return Outcome{Kind: KindRejected, Reason: reason}
}
