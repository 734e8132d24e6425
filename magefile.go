//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/magefile/mage/mg"
)

var Default = Build

func Build() error {
	fmt.Println("building...")
	for _, args := range [][]string{
		{"build", "./..."},
		{"build", "-o", "bin/meshcall", "./cmd/meshcall"},
		{"build", "-o", "bin/meshcall-relay", "./cmd/meshcall-relay"},
	} {
		if err := goCmd(nil, args...); err != nil {
			return err
		}
	}
	return nil
}

func Vet() error {
	return goCmd(nil, "vet", "./...")
}

// unit tests, the mesh integration test is skipped
func Test() error {
	mg.Deps(Vet)
	return goCmd(nil, "test", "-race", "-count=1", "./...")
}

// runs real peer connections through an in-process relay
func Integration() error {
	return goCmd([]string{"MESHCALL_INTEGRATION=1"}, "test", "-race", "-count=1", "-run", "TestMeshIntegration", "-v", ".")
}

// starts a relay on :7880
func Relay() error {
	mg.Deps(Build)
	cmd := exec.Command("bin/meshcall-relay")
	connectStd(cmd)
	return cmd.Run()
}

func goCmd(env []string, args ...string) error {
	cmd := exec.Command("go", args...)
	cmd.Env = append(os.Environ(), env...)
	connectStd(cmd)
	return cmd.Run()
}

func connectStd(cmd *exec.Cmd) {
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
}
