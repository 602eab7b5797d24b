// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"git.arvados.org/rexec.git/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&TaskSuite{})

type TaskSuite struct {
	reg Registry
}

type addArgs struct {
	A, B int
}

func (s *TaskSuite) SetUpTest(c *check.C) {
	s.reg = Registry{}
	RegisterBuiltins(&s.reg)
	Register(&s.reg, "add", func(ctx context.Context, args addArgs) (int, error) {
		return args.A + args.B, nil
	})
	Register(&s.reg, "panic", func(ctx context.Context, args struct{}) (int, error) {
		panic("oops")
	})
}

func (s *TaskSuite) TestCall(c *check.C) {
	desc, err := New("add", addArgs{A: 2, B: 3})
	c.Assert(err, check.IsNil)
	ret, err := s.reg.Call(context.Background(), desc)
	c.Assert(err, check.IsNil)
	c.Check(string(ret), check.Equals, "5")
}

func (s *TaskSuite) TestCallErrors(c *check.C) {
	_, err := s.reg.Call(context.Background(), Descriptor{Function: "nonexistent"})
	c.Check(errors.Is(err, ErrUnknownFunction), check.Equals, true)

	desc, _ := New("fail", "it broke")
	_, err = s.reg.Call(context.Background(), desc)
	var te *Error
	c.Assert(errors.As(err, &te), check.Equals, true)
	c.Check(te.Function, check.Equals, "fail")
	c.Check(te.Message, check.Equals, "it broke")
	c.Check(te.Type, check.Equals, "*errors.errorString")

	desc, _ = New("panic", nil)
	_, err = s.reg.Call(context.Background(), desc)
	c.Check(err, check.ErrorMatches, `panic: panic: oops`)
}

func (s *TaskSuite) TestDuplicateRegister(c *check.C) {
	c.Check(func() { RegisterBuiltins(&s.reg) }, check.PanicMatches, `task: duplicate function name .*`)
	c.Check(s.reg.Names(), check.DeepEquals, []string{"add", "echo", "fail", "hostname", "panic", "sha256", "sleep"})
}

func (s *TaskSuite) TestUnmarshal(c *check.C) {
	_, err := Unmarshal([]byte(`{"args":[1]}`))
	c.Check(err, check.ErrorMatches, `descriptor has no function name`)
	_, err = Unmarshal([]byte(`{"function":`))
	c.Check(err, check.NotNil)
	d, err := Unmarshal([]byte(`{"function":"echo","args":{"x":1}}`))
	c.Check(err, check.IsNil)
	c.Check(d.Function, check.Equals, "echo")
	c.Check(string(d.Args), check.Equals, `{"x":1}`)
}

func (s *TaskSuite) TestRunBundle(c *check.C) {
	dir := c.MkDir()
	codeFile := filepath.Join(dir, "x.code.bin")
	resultFile := filepath.Join(dir, "x.result.bin")
	logger := ctxlog.TestLogger(c)

	c.Check(RunBundle(context.Background(), &s.reg, codeFile, resultFile, logger), check.Equals, ExitReadCode)

	c.Assert(os.WriteFile(codeFile, []byte("garbage"), 0600), check.IsNil)
	c.Check(RunBundle(context.Background(), &s.reg, codeFile, resultFile, logger), check.Equals, ExitDecodeCode)

	desc, _ := New("sha256", HashArgs{Data: "foo", Rounds: 1})
	buf, _ := desc.Marshal()
	c.Assert(os.WriteFile(codeFile, buf, 0600), check.IsNil)
	c.Check(RunBundle(context.Background(), &s.reg, codeFile, resultFile, logger), check.Equals, 0)
	buf, err := os.ReadFile(resultFile)
	c.Assert(err, check.IsNil)
	result, err := UnmarshalResult(buf)
	c.Assert(err, check.IsNil)
	c.Check(result.Err(), check.IsNil)
	var sum string
	c.Check(json.Unmarshal(result.Value, &sum), check.IsNil)
	c.Check(sum, check.Equals, "2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae")

	desc, _ = New("fail", "nope")
	buf, _ = desc.Marshal()
	c.Assert(os.WriteFile(codeFile, buf, 0600), check.IsNil)
	c.Check(RunBundle(context.Background(), &s.reg, codeFile, resultFile, logger), check.Equals, 0)
	buf, _ = os.ReadFile(resultFile)
	result, err = UnmarshalResult(buf)
	c.Assert(err, check.IsNil)
	c.Check(result.Err(), check.ErrorMatches, `fail: nope`)

	c.Check(RunBundle(context.Background(), &s.reg, codeFile, filepath.Join(dir, "nonexistent", "r"), logger), check.Equals, ExitWriteResult)
}

func (s *TaskSuite) TestConcurrentResultWriters(c *check.C) {
	dir := c.MkDir()
	target := filepath.Join(dir, "x.result.bin")
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		data := []byte(fmt.Sprintf(`{"value":%d}`, i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if err := writeFileAtomic(target, data); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		c.Check(err, check.IsNil)
	}
	ents, err := os.ReadDir(dir)
	c.Assert(err, check.IsNil)
	c.Assert(ents, check.HasLen, 1)
	c.Check(ents[0].Name(), check.Equals, "x.result.bin")
	buf, err := os.ReadFile(target)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Matches, `\{"value":\d\}`)
}

func (s *TaskSuite) TestSleepCancel(c *check.C) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	desc, _ := New("sleep", SleepArgs{Seconds: 60})
	_, err := s.reg.Call(ctx, desc)
	c.Check(err, check.ErrorMatches, `sleep: context canceled`)
}
