// Command nullcvm loads a linked bytecode image (spec §4.2) and runs one
// of its functions on either the stack VM or the register VM, mirroring
// the teacher's cmd/run/main.go flag-driven entrypoint.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/nullc-go/vm/bytecode"
	"github.com/nullc-go/vm/regvm"
	"github.com/nullc-go/vm/stackvm"
)

func main() {
	var (
		bytecodeFile = flag.String("bytecode", "", "Path to a linked .nvmb bytecode image")
		funcName     = flag.String("func", "", "Function to call (optional; defaults to the sole exported function)")
		args         = flag.String("args", "", "Comma-separated integer arguments to pass")
		vmKind       = flag.String("vm", "stack", "Which VM to execute on: stack or reg")
		list         = flag.Bool("list", false, "List the image's functions and exit")
		interactive  = flag.Bool("i", false, "Interactive mode: step the chosen VM one instruction at a time")
	)
	flag.Parse()

	if *bytecodeFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: nullcvm -bytecode <file.nvmb> [-func name] [-args 1,2,3] [-vm stack|reg]")
		fmt.Fprintln(os.Stderr, "       nullcvm -bytecode <file.nvmb> -list")
		fmt.Fprintln(os.Stderr, "       nullcvm -bytecode <file.nvmb> -i  (interactive mode)")
		os.Exit(1)
	}

	if *interactive {
		if err := runInteractive(*bytecodeFile, *vmKind); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*bytecodeFile, *funcName, *args, *vmKind, *list); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadImage(path string) (*bytecode.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	img, err := bytecode.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return img, nil
}

func parseArgs(argsStr string) ([]int64, error) {
	if argsStr == "" {
		return nil, nil
	}
	parts := strings.Split(argsStr, ",")
	out := make([]int64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse arg %q: %w", p, err)
		}
		out[i] = v
	}
	return out, nil
}

func findFunction(img *bytecode.Image, name string) (int, error) {
	var names []string
	for i, f := range img.Functions {
		fname := img.Symbol(f.NameOffset)
		names = append(names, fname)
		if name != "" && fname == name {
			return i, nil
		}
	}
	if name == "" && len(img.Functions) == 1 {
		return 0, nil
	}
	if name == "" {
		return -1, fmt.Errorf("no function specified and image exports %d functions; use -func", len(names))
	}
	return -1, fmt.Errorf("function %q not found among: %s", name, strings.Join(names, ", "))
}

func run(bytecodeFile, funcName, argsStr, vmKind string, listOnly bool) error {
	img, err := loadImage(bytecodeFile)
	if err != nil {
		return err
	}

	fmt.Printf("Image: %s\n", bytecodeFile)
	fmt.Printf("Types: %d\n", len(img.Types))
	fmt.Printf("Functions: %d\n", len(img.Functions))
	fmt.Printf("Modules: %d\n", len(img.Modules))

	fmt.Printf("\nFunctions:\n")
	for _, f := range img.Functions {
		fmt.Printf("  %s (params=%d, return=%v)\n", img.Symbol(f.NameOffset), f.ParamCount, f.ReturnTag)
	}

	if listOnly {
		return nil
	}

	funcIndex, err := findFunction(img, funcName)
	if err != nil {
		return err
	}

	ints, err := parseArgs(argsStr)
	if err != nil {
		return err
	}

	fmt.Printf("\nCalling %s on the %s VM...\n", img.Symbol(img.Functions[funcIndex].NameOffset), vmKind)

	switch vmKind {
	case "reg":
		prog, err := regvm.DecodeProgram(img.RegCode)
		if err != nil {
			return fmt.Errorf("decode reg program: %w", err)
		}
		e := regvm.NewEngine(img, prog)
		callArgs := make([]uint64, len(ints))
		for i, v := range ints {
			callArgs[i] = uint64(v)
		}
		result, tag, err := e.Call(uint32(funcIndex), callArgs)
		if err != nil {
			return fmt.Errorf("call: %w", err)
		}
		fmt.Printf("Result: %d (%v)\n", result, tag)

	default:
		prog, err := stackvm.DecodeProgram(img.StackCode)
		if err != nil {
			return fmt.Errorf("decode stack program: %w", err)
		}
		e := stackvm.NewEngine(img, prog)
		callArgs := make([]uint32, len(ints))
		for i, v := range ints {
			callArgs[i] = uint32(v)
		}
		result, err := e.Call(uint32(funcIndex), callArgs)
		if err != nil {
			return fmt.Errorf("call: %w", err)
		}
		fmt.Printf("Result: %v\n", result)
	}

	return nil
}
