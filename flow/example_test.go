package flow_test

import (
	"context"
	"fmt"
	"strings"

	"github.com/dcshock/runflow/flow"
)

// Example: simulate `ls dir | grep pattern`.
// The payload is the "directory"; the ls stage lists fake files and the grep
// stage filters them.

func ls(_ context.Context, payload interface{}, _ error) (interface{}, error) {
	if _, ok := payload.(string); !ok {
		return nil, fmt.Errorf("ls: expected directory name, got %T", payload)
	}
	return []string{"main.go", "flow.go", "doc.go", "README.md", "go.sum", "go.mod"}, nil
}

func grep(pattern string) flow.Job {
	return flow.FilterSlice(func(line string) bool { return strings.Contains(line, pattern) })
}

func printPayload(_ context.Context, p *flow.Packet) { fmt.Println(p.Payload()) }

func Example() {
	f, err := flow.New(flow.JobStage(ls), flow.WithName("ls-grep"), flow.WithOutput(printPayload))
	if err != nil {
		panic(err)
	}
	if f, err = f.Fn(flow.JobStage(grep("go"))); err != nil {
		panic(err)
	}

	f.Invoke(flow.NewPacket("."))
	if err := f.Await(context.Background()); err != nil {
		panic(err)
	}
	// Output: [main.go flow.go doc.go go.sum go.mod]
}

// Example: stage1 | transform (struct A to struct B) | stage2.

type rawResult struct{ Lines []string }

type processedResult struct {
	Count int
	First string
}

func ExampleTransform() {
	f, err := flow.NewFactory(flow.WithOutput(printPayload)).Create(flow.Stages(
		flow.JobStage(flow.Constant(rawResult{Lines: []string{"a", "b", "c"}})),
		flow.JobStage(flow.Transform(func(_ context.Context, r rawResult) (processedResult, error) {
			return processedResult{Count: len(r.Lines), First: r.Lines[0]}, nil
		})),
		flow.JobStage(flow.Transform(func(_ context.Context, p processedResult) (int, error) {
			return p.Count + len(p.First), nil
		})),
	))
	if err != nil {
		panic(err)
	}
	f.Invoke(flow.NewPacket(nil))
	if err := f.Await(context.Background()); err != nil {
		panic(err)
	}
	// Output: 4
}

func ExampleNewBatch() {
	f, err := flow.New(flow.Stage{
		Job:        flow.Transform(func(_ context.Context, n int) (int, error) { return n * n, nil }),
		Completion: flow.NewBatch(2),
	}, flow.WithOutput(printPayload))
	if err != nil {
		panic(err)
	}
	for i := 1; i <= 5; i++ {
		f.Invoke(flow.NewPacket(i))
	}
	if err := f.Await(context.Background()); err != nil {
		panic(err)
	}
	fmt.Println(f.Stats()[0].Buffered, "buffered")
	// Output:
	// [1 4]
	// [9 16]
	// 1 buffered
}

func ExampleFlow_Every() {
	n := 0
	f, err := flow.New(flow.JobStage(flow.Identity()), flow.WithOutput(printPayload))
	if err != nil {
		panic(err)
	}
	var cancel func()
	cancel = f.Every(1, func() interface{} {
		n++
		if n == 3 {
			cancel()
		}
		return fmt.Sprintf("tick %d", n)
	})
	if err := f.Await(context.Background()); err != nil {
		panic(err)
	}
	// Output:
	// tick 1
	// tick 2
	// tick 3
}
