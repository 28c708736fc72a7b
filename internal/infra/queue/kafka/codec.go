package kafka

import (
	"errors"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Task asks a worker to rekey every record in [StartID, EndID].
type Task struct {
	TaskID  string
	Seq     uint64
	StartID int64
	EndID   int64
}

// Result reports how a task ended. An empty Error means the page committed.
type Result struct {
	TaskID  string
	Records int
	Error   string
}

// Ids travel as strings; a protobuf number is a double and cannot hold every
// int64.
const (
	fieldTaskID  = "task_id"
	fieldSeq     = "seq"
	fieldStartID = "start_id"
	fieldEndID   = "end_id"
	fieldRecords = "records"
	fieldError   = "error"
)

var errMissingField = errors.New("missing field")

func encodeTask(t Task) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		fieldTaskID:  t.TaskID,
		fieldSeq:     strconv.FormatUint(t.Seq, 10),
		fieldStartID: strconv.FormatInt(t.StartID, 10),
		fieldEndID:   strconv.FormatInt(t.EndID, 10),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build task: %w", err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	return data, nil
}

func decodeTask(data []byte) (Task, error) {
	s, err := unmarshalStruct(data)
	if err != nil {
		return Task{}, err
	}

	var t Task
	if t.TaskID, err = stringField(s, fieldTaskID); err != nil {
		return Task{}, err
	}
	seq, err := stringField(s, fieldSeq)
	if err != nil {
		return Task{}, err
	}
	if t.Seq, err = strconv.ParseUint(seq, 10, 64); err != nil {
		return Task{}, fmt.Errorf("invalid %s: %w", fieldSeq, err)
	}
	if t.StartID, err = int64Field(s, fieldStartID); err != nil {
		return Task{}, err
	}
	if t.EndID, err = int64Field(s, fieldEndID); err != nil {
		return Task{}, err
	}
	if t.StartID > t.EndID {
		return Task{}, fmt.Errorf("invalid task range [%d, %d]", t.StartID, t.EndID)
	}
	return t, nil
}

func encodeResult(r Result) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		fieldTaskID:  r.TaskID,
		fieldRecords: strconv.Itoa(r.Records),
		fieldError:   r.Error,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build result: %w", err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return data, nil
}

func decodeResult(data []byte) (Result, error) {
	s, err := unmarshalStruct(data)
	if err != nil {
		return Result{}, err
	}

	var r Result
	if r.TaskID, err = stringField(s, fieldTaskID); err != nil {
		return Result{}, err
	}
	records, err := int64Field(s, fieldRecords)
	if err != nil {
		return Result{}, err
	}
	r.Records = int(records)
	r.Error = s.GetFields()[fieldError].GetStringValue()
	return r, nil
}

func unmarshalStruct(data []byte) (*structpb.Struct, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &s, nil
}

func stringField(s *structpb.Struct, name string) (string, error) {
	v, ok := s.GetFields()[name]
	if !ok || v.GetStringValue() == "" {
		return "", fmt.Errorf("%w: %s", errMissingField, name)
	}
	return v.GetStringValue(), nil
}

func int64Field(s *structpb.Struct, name string) (int64, error) {
	raw, err := stringField(s, name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}
