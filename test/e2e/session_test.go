/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package e2e

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/devbookhq/devbook-go/pkg/api/models"
	"github.com/devbookhq/devbook-go/pkg/session"
	"github.com/devbookhq/devbook-go/test/e2e/utils"
)

var _ = Describe("Session", func() {
	var (
		ctx     = context.Background()
		sandbox *models.Sandbox
		s       *session.Session
		mu      sync.Mutex
		stdout  []string
		states  []session.CodeSnippetExecState
	)

	lines := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), stdout...)
	}
	lastState := func() session.CodeSnippetExecState {
		mu.Lock()
		defer mu.Unlock()
		if len(states) == 0 {
			return ""
		}
		return states[len(states)-1]
	}

	BeforeEach(func() {
		stdout, states = nil, nil
		var err error
		sandbox, err = apiClient.CreateSandbox(ctx, &models.NewSandbox{TemplateID: "base", Secure: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(sandbox.EnvdAccessToken).NotTo(BeEmpty())

		s, err = utils.OpenSession(ctx, apiClient, apiURL, sandbox, session.CodeSnippetOptions{
			OnStdout: func(o session.OutResponse) {
				mu.Lock()
				defer mu.Unlock()
				stdout = append(stdout, o.Line)
			},
			OnStateChange: func(st session.CodeSnippetExecState) {
				mu.Lock()
				defer mu.Unlock()
				states = append(states, st)
			},
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if s != nil {
			s.Close()
		}
		_ = apiClient.KillSandbox(ctx, sandbox.SandboxID)
	})

	It("runs code snippets and streams their output", func() {
		state, err := s.CodeSnippet().Run(ctx, "hello\n$GREETING", map[string]string{"GREETING": "hi"})
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(session.CodeSnippetExecStateRunning))

		Eventually(lastState, 5*time.Second).Should(Equal(session.CodeSnippetExecStateStopped))
		Expect(lines()).To(Equal([]string{"hello", "hi"}))
	})

	It("reads and writes files", func() {
		fs := s.Filesystem()
		Expect(fs.WriteFile(ctx, "/code/main.py", "print(1)")).To(Succeed())

		content, err := fs.ReadFile(ctx, "/code/main.py")
		Expect(err).NotTo(HaveOccurred())
		Expect(content).To(Equal("print(1)"))

		files, err := fs.ListAllFiles(ctx, "/")
		Expect(err).NotTo(HaveOccurred())
		Expect(files).To(ContainElement(session.FileInfo{IsDir: true, Name: "code"}))

		Expect(fs.RemoveFile(ctx, "/code")).To(Succeed())
		_, err = fs.ReadFile(ctx, "/code/main.py")
		Expect(err).To(HaveOccurred())
	})

	It("runs processes until they exit", func() {
		var out []string
		var outMu sync.Mutex
		proc, err := s.Process().Start(ctx, session.ProcessOptions{
			Cmd: "echo $NAME",
			OnStdout: func(o session.OutResponse) {
				outMu.Lock()
				defer outMu.Unlock()
				out = append(out, o.Line)
			},
			EnvVars: map[string]string{"NAME": "devbook"},
		})
		Expect(err).NotTo(HaveOccurred())
		Eventually(proc.Done(), 5*time.Second).Should(BeClosed())

		outMu.Lock()
		defer outMu.Unlock()
		Expect(out).To(Equal([]string{"devbook"}))
	})

	It("echoes terminal input", func() {
		data := make(chan string, 8)
		term, err := s.Terminal().CreateSession(ctx, session.TerminalOptions{
			OnData: func(d string) { data <- d },
			Size:   session.Size{Cols: 80, Rows: 24},
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(term.SendData(ctx, "ls\n")).To(Succeed())
		Eventually(data, 5*time.Second).Should(Receive(Equal("ls\n")))
		Expect(term.Resize(ctx, session.Size{Cols: 120, Rows: 40})).To(Succeed())
		Expect(term.Destroy(ctx)).To(Succeed())
	})
})
