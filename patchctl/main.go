package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/loomworks/weave/patch"
)

const PatchCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Patch control.

Applies instructions to a local document snapshot, or submits them to a live
patch endpoint and waits for the acknowledgement. The jwt is prompted for
when not passed.

Usage:
    patchctl apply --seed=<seed> --path=<path>
        (--set=<value> | --toggle | --text-append=<text> | --remove)
    patchctl set --url=<url> [--jwt=<jwt>] --entity=<entity_id>
        --path=<path> --value=<value>
        [--timeout=<timeout>]
    patchctl toggle --url=<url> [--jwt=<jwt>] --entity=<entity_id>
        --path=<path>
        [--timeout=<timeout>]
    patchctl text-append --url=<url> [--jwt=<jwt>] --entity=<entity_id>
        --path=<path> --text=<text>
        [--timeout=<timeout>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --seed=<seed>            Document snapshot as a yaml file.
    --path=<path>            Dotted path, e.g. size.width or items[2].name.
    --url=<url>              Websocket url of the patch endpoint.
    --jwt=<jwt>              Client jwt.
    --entity=<entity_id>     Target entity id.
    --value=<value>          New value as json.
    --text=<text>            Text to append.
    --timeout=<timeout>      Await timeout in seconds [default: 10].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], PatchCtlVersion)
	if err != nil {
		panic(err)
	}

	if apply_, _ := opts.Bool("apply"); apply_ {
		applyLocal(opts)
	} else if set_, _ := opts.Bool("set"); set_ {
		submit(opts, func(at *patch.InstructionBuilder) (*patch.Instruction, error) {
			valueJson, _ := opts.String("--value")
			var value any
			if err := json.Unmarshal([]byte(valueJson), &value); err != nil {
				return nil, err
			}
			return at.Set(value), nil
		})
	} else if toggle_, _ := opts.Bool("toggle"); toggle_ {
		submit(opts, func(at *patch.InstructionBuilder) (*patch.Instruction, error) {
			return at.Toggle(), nil
		})
	} else if textAppend_, _ := opts.Bool("text-append"); textAppend_ {
		submit(opts, func(at *patch.InstructionBuilder) (*patch.Instruction, error) {
			text, _ := opts.String("--text")
			return at.TextAppend(text), nil
		})
	}
}

func applyLocal(opts docopt.Opts) {
	seedPath, _ := opts.String("--seed")
	seedBytes, err := os.ReadFile(seedPath)
	if err != nil {
		Err.Fatalf("Could not read seed: %s", err)
	}
	var doc any
	if err := yaml.Unmarshal(seedBytes, &doc); err != nil {
		Err.Fatalf("Could not parse seed: %s", err)
	}

	at, err := builderAt(opts)
	if err != nil {
		Err.Fatalf("Bad path: %s", err)
	}

	var instruction *patch.Instruction
	if valueJson, err := opts.String("--set"); err == nil && valueJson != "" {
		var value any
		if err := json.Unmarshal([]byte(valueJson), &value); err != nil {
			Err.Fatalf("Bad value: %s", err)
		}
		instruction = at.Set(value)
	} else if toggle_, _ := opts.Bool("--toggle"); toggle_ {
		instruction = at.Toggle()
	} else if text, err := opts.String("--text-append"); err == nil && text != "" {
		instruction = at.TextAppend(text)
	} else {
		instruction = at.Remove()
	}

	next, err := patch.Apply(doc, instruction)
	if err != nil {
		Err.Fatalf("Apply failed: %s", err)
	}
	out, err := yaml.Marshal(next)
	if err != nil {
		Err.Fatalf("Could not marshal result: %s", err)
	}
	Out.Printf("%s", out)
}

func submit(opts docopt.Opts, build func(at *patch.InstructionBuilder) (*patch.Instruction, error)) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, _ := opts.String("--url")
	entityIdStr, _ := opts.String("--entity")
	entityId, err := patch.NewIdFromString(entityIdStr)
	if err != nil {
		Err.Fatalf("Bad entity id: %s", err)
	}

	jwt, err := opts.String("--jwt")
	if err != nil || jwt == "" {
		fmt.Fprint(os.Stderr, "jwt: ")
		jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			Err.Fatalf("Could not read jwt: %s", err)
		}
		jwt = strings.TrimSpace(string(jwtBytes))
	}

	at, err := builderAt(opts)
	if err != nil {
		Err.Fatalf("Bad path: %s", err)
	}
	instruction, err := build(at)
	if err != nil {
		Err.Fatalf("Bad instruction: %s", err)
	}

	timeoutSeconds, err := opts.Int("--timeout")
	if err != nil {
		timeoutSeconds = 10
	}

	transport := patch.NewPlatformTransportWithDefaults(ctx, url, &patch.ClientAuth{
		ByJwt:      jwt,
		InstanceId: patch.NewId(),
		AppVersion: PatchCtlVersion,
	})
	defer transport.Close()

	coordinator := patch.NewCoordinatorWithDefaults(ctx, transport.Send)
	defer coordinator.Close()

	awaitCtx, awaitCancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer awaitCancel()

	ref := patch.GenericEntity(entityId)
	result, err := coordinator.SubmitEditAwait(awaitCtx, ref, []*patch.Instruction{instruction})
	if err != nil {
		Err.Fatalf("Send failed: %s", err)
	}
	if result.Status {
		Out.Printf("ok")
	} else {
		Out.Printf("rejected: %s", result.Reason)
	}
}

func builderAt(opts docopt.Opts) (*patch.InstructionBuilder, error) {
	pathStr, _ := opts.String("--path")
	keys, err := parsePath(pathStr)
	if err != nil {
		return nil, err
	}
	return patch.At(keys...), nil
}

// size.width -> [Field(size), Field(width)]
// items[2].name -> [Field(items), Index(2), Field(name)]
func parsePath(pathStr string) ([]patch.PathKey, error) {
	keys := []patch.PathKey{}
	if pathStr == "" {
		return keys, nil
	}
	for _, segment := range strings.Split(pathStr, ".") {
		for segment != "" {
			bracket := strings.IndexByte(segment, '[')
			if bracket < 0 {
				keys = append(keys, patch.Field(segment))
				break
			}
			if 0 < bracket {
				keys = append(keys, patch.Field(segment[:bracket]))
			}
			end := strings.IndexByte(segment, ']')
			if end < bracket {
				return nil, fmt.Errorf("unbalanced index in %q", segment)
			}
			index, err := strconv.Atoi(segment[bracket+1 : end])
			if err != nil {
				return nil, fmt.Errorf("bad index in %q: %s", segment, err)
			}
			keys = append(keys, patch.Index(index))
			segment = segment[end+1:]
		}
	}
	return keys, nil
}
