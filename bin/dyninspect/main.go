package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"

	"github.com/dyninspect/dyninspect/inspector/archcfg"
	"github.com/dyninspect/dyninspect/inspector/backend/ptraceback"
	"github.com/dyninspect/dyninspect/inspector/logflags"
	"github.com/dyninspect/dyninspect/inspector/session"
)

// consoleSink prints session events as plain text and keeps the latest
// table/section/module rows for the display commands.
type consoleSink struct {
	functions []string

	tableRows   []session.TableRow
	sectionRows []session.SectionRow
	moduleRows  []session.ModuleRow
}

func (sink *consoleSink) ClearDisplay() {
	sink.functions = nil
}

func (sink *consoleSink) AddSelectableFunction(name string) {
	sink.functions = append(sink.functions, name)
}

func (sink *consoleSink) RenderFrame(text string, highlightedLine int) {
	fmt.Print(text)
}

func (sink *consoleSink) ConsoleMessage(text string) {
	fmt.Println("[*]", text)
}

func (sink *consoleSink) SetContinueEnabled(enabled bool) {
	if !enabled {
		fmt.Println("[*] Nothing left to continue.")
	}
}

func (sink *consoleSink) TableUpdated(rows []session.TableRow) {
	sink.tableRows = rows
}

func (sink *consoleSink) SectionsUpdated(rows []session.SectionRow) {
	sink.sectionRows = rows
}

func (sink *consoleSink) ModulesUpdated(rows []session.ModuleRow) {
	sink.moduleRows = rows
}

type command struct {
	name string
	run  func(*session.Session, *consoleSink, []string) error
}

var commands = []command{
	{
		name: "target",
		run: func(s *session.Session, sink *consoleSink, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: target <path>")
			}
			_ = s.SetTarget(args[0])
			return nil
		},
	},
	{
		name: "mode",
		run: func(s *session.Session, sink *consoleSink, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: mode link|load")
			}
			switch args[0] {
			case "link":
				return s.SetMode(session.LinkInspection)
			case "load":
				return s.SetMode(session.LoadInspection)
			default:
				return fmt.Errorf("unknown mode: %s", args[0])
			}
		},
	},
	{
		name: "run",
		run: func(s *session.Session, sink *consoleSink, args []string) error {
			_ = s.Run()
			return nil
		},
	},
	{
		name: "continue",
		run: func(s *session.Session, sink *consoleSink, args []string) error {
			_ = s.Continue()
			return nil
		},
	},
	{
		name: "break",
		run: func(s *session.Session, sink *consoleSink, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: break <function>")
			}
			_ = s.SetBreakpointFunction(args[0])
			return nil
		},
	},
	{
		name: "funcs",
		run: func(s *session.Session, sink *consoleSink, args []string) error {
			for _, name := range sink.functions {
				fmt.Println("\t", name)
			}
			return nil
		},
	},
	{
		name: "table",
		run: func(s *session.Session, sink *consoleSink, args []string) error {
			for _, row := range sink.tableRows {
				fmt.Printf("\t%-24s %s -> %s\n", row.Name, row.Address, row.Value)
			}
			return nil
		},
	},
	{
		name: "sections",
		run: func(s *session.Session, sink *consoleSink, args []string) error {
			for _, row := range sink.sectionRows {
				marker := ""
				if row.Current != "" {
					marker = " <-- pc " + row.Current
				}
				fmt.Printf("\t%s - %s %s%s\n", row.Start, row.End, row.Name, marker)
			}
			return nil
		},
	},
	{
		name: "modules",
		run: func(s *session.Session, sink *consoleSink, args []string) error {
			for _, row := range sink.moduleRows {
				fmt.Printf(
					"\t%s - %s (%s bytes, %s) %s\n",
					row.Start,
					row.End,
					row.Size,
					row.Origin,
					row.Name)
			}
			return nil
		},
	},
	{
		name: "write",
		run: func(s *session.Session, sink *consoleSink, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: write <slot address> <value>")
			}
			_ = s.WriteTableValue(args[0], args[1])
			return nil
		},
	},
	{
		name: "stop",
		run: func(s *session.Session, sink *consoleSink, args []string) error {
			_ = s.Stop()
			return nil
		},
	},
}

func main() {
	debug := false
	profilePath := ""
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.StringVar(&profilePath, "profile", "", "architecture profile yaml")

	flag.Parse()
	args := flag.Args()

	logflags.Setup(debug)

	profile := archcfg.AMD64()
	if profilePath != "" {
		var err error
		profile, err = archcfg.LoadProfile(profilePath)
		if err != nil {
			panic(err)
		}
	}

	sink := &consoleSink{}
	s := session.New(profile, ptraceback.New(), sink)

	if len(args) > 0 {
		_ = s.SetTarget(args[0])
	}

	rl, err := readline.New("dyninspect > ")
	if err != nil {
		panic(err)
	}
	defer rl.Close()

	lastLine := ""
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				break
			}
			panic(err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			line = lastLine
		}
		lastLine = line

		if line == "" {
			continue
		}

		cmdArgs := strings.Split(line, " ")
		if cmdArgs[0] == "quit" {
			break
		}

		found := false
		for _, cmd := range commands {
			if strings.HasPrefix(cmd.name, cmdArgs[0]) {
				found = true
				err := cmd.run(s, sink, cmdArgs[1:])
				if err != nil {
					fmt.Println(err)
				}
				break
			}
		}

		if !found {
			fmt.Println("invalid command:", cmdArgs[0])
		}
	}

	_ = s.Stop()
}
