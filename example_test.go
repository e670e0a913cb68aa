package linefsm_test

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/librescoot/linefsm"
)

// Example: a greeting protocol driven by a list of lines
func Example_greeting() {
	def := linefsm.NewDefinition("greeter").
		State("initialize", linefsm.OnPattern(`^HELLO (\w+)$`, func(c *linefsm.Context, m linefsm.Match) (linefsm.Result, error) {
			return c.Transition("chatting"), c.Reply("hi "+m.Group(1))
		})).
		State("chatting",
			linefsm.OnLiteral("BYE", func(c *linefsm.Context, m linefsm.Match) (linefsm.Result, error) {
				return c.Finished(), c.Reply("bye")
			}),
			linefsm.WithDefault(func(c *linefsm.Context, m linefsm.Match) (linefsm.Result, error) {
				return nil, c.Reply("echo " + m.Branch.(string))
			}),
		)

	m, err := def.Build()
	if err != nil {
		fmt.Println(err)
		return
	}

	var out bytes.Buffer
	c := linefsm.NewContext(
		linefsm.WithInput(linefsm.Lines("HELLO bob", "how are you", "BYE")),
		linefsm.WithOutput(&out),
	)
	if err := linefsm.NewInterpreter(m, c).Run(context.Background()); err != nil {
		fmt.Println(err)
	}
	fmt.Print(strings.ReplaceAll(out.String(), "\r\n", "\n"))
	fmt.Println("state:", c.State, "terminated:", c.Terminated())

	// Output:
	// hi bob
	// echo how are you
	// bye
	// state: finished terminated: true
}

// Example: pulling the event stream lazily
func Example_events() {
	def := linefsm.NewDefinition("counter").
		State("initialize",
			linefsm.OnEnter(func(c *linefsm.Context) *linefsm.Transition { return c.Transition("count") }),
		).
		State("count", linefsm.WithDefault(func(c *linefsm.Context, m linefsm.Match) (linefsm.Result, error) {
			return linefsm.Emit(m.Branch), nil
		}))

	m, _ := def.Build()
	c := linefsm.NewContext(linefsm.WithInput(linefsm.NewSliceInput(1, 2, 3)))

	for e, err := range linefsm.NewInterpreter(m, c).Events(context.Background()) {
		if err != nil {
			fmt.Println(err)
			return
		}
		if e.Phase == linefsm.PhaseEmit {
			fmt.Println(e)
		}
	}

	// Output:
	// emit(state count [1])
	// emit(state count [2])
	// emit(state count [3])
}
