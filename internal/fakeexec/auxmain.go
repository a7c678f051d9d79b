// Copyright 2026 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package fakeexec lets unit tests run parts of the test binary itself as
// subprocesses, e.g. a fake firewall helper or a fake remote server.
package fakeexec

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
)

const (
	// auxMainNameEnv names the auxiliary main function to run.
	auxMainNameEnv = "SSHUTTLE_AUX_MAIN_NAME"

	// auxMainValueEnv carries the JSON-encoded parameter of the auxiliary
	// main function.
	auxMainValueEnv = "SSHUTTLE_AUX_MAIN_VALUE"
)

// AuxMain is a registered auxiliary main function.
type AuxMain struct {
	name string
}

// Params returns what is needed to run the auxiliary main function with v,
// which must be JSON-serializable.
func (a *AuxMain) Params(v interface{}) (*AuxMainParams, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	p, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &AuxMainParams{
		executable: exe,
		name:       a.name,
		param:      string(p),
	}, nil
}

// AuxMainParams describes one invocation of an auxiliary main function.
type AuxMainParams struct {
	executable string
	name       string
	param      string
}

// Executable returns the path of the test binary.
func (a *AuxMainParams) Executable() string {
	return a.executable
}

// Envs returns "key=value" pairs to append to the subprocess environment.
func (a *AuxMainParams) Envs() []string {
	return []string{
		fmt.Sprintf("%s=%s", auxMainNameEnv, a.name),
		fmt.Sprintf("%s=%s", auxMainValueEnv, a.param),
	}
}

var knownNames = map[string]struct{}{}

// NewAuxMain registers f, a func(T) with a JSON-decodable T, as the auxiliary
// main function called name. It must be called from a package-level variable
// initializer:
//
//	var helperMain = fakeexec.NewAuxMain("helper", func(p helperParams) {
//		...
//	})
//
// When the current process was started for name, f runs right away and the
// process exits with status 0 once f returns. f may call os.Exit itself.
func NewAuxMain(name string, f interface{}) *AuxMain {
	if _, found := knownNames[name]; found {
		panic(fmt.Sprintf("fakeexec.NewAuxMain: multiple registrations for %q", name))
	}
	knownNames[name] = struct{}{}

	tf := reflect.TypeOf(f)
	if tf.Kind() != reflect.Func || tf.NumIn() != 1 || tf.NumOut() != 0 {
		panic("fakeexec.NewAuxMain: f must be func(T)")
	}

	if os.Getenv(auxMainNameEnv) != name {
		return &AuxMain{name: name}
	}

	vp := reflect.New(tf.In(0))
	if err := json.Unmarshal([]byte(os.Getenv(auxMainValueEnv)), vp.Interface()); err != nil {
		panic(fmt.Sprintf("fakeexec.AuxMain: %s: failed to unmarshal parameter: %v", name, err))
	}
	reflect.ValueOf(f).Call([]reflect.Value{vp.Elem()})
	os.Exit(0)
	panic("unreachable")
}
