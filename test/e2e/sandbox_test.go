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
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/devbookhq/devbook-go/pkg/api/client"
	"github.com/devbookhq/devbook-go/pkg/api/models"
	"github.com/devbookhq/devbook-go/test/e2e/utils"
)

var _ = Describe("Sandbox", func() {
	var (
		ctx     = context.Background()
		sandbox *models.Sandbox
		run     string
	)

	BeforeEach(func() {
		run = fmt.Sprintf("e2e-%d", time.Now().UnixNano())
		var err error
		sandbox, err = apiClient.CreateSandbox(ctx, &models.NewSandbox{
			TemplateID: "base",
			Timeout:    models.MinTimeoutSeconds,
			Metadata:   map[string]string{"run": run},
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		_ = apiClient.KillSandbox(ctx, sandbox.SandboxID)
	})

	Context("lifecycle", func() {
		It("is listed as running with its metadata", func() {
			sandboxes, err := apiClient.ListSandboxes(ctx, client.ListOptions{Metadata: map[string]string{"run": run}})
			Expect(err).NotTo(HaveOccurred())
			Expect(sandboxes.Sandboxes).To(HaveLen(1))
			Expect(sandboxes.Sandboxes[0].SandboxID).To(Equal(sandbox.SandboxID))
			Expect(sandboxes.Sandboxes[0].State).To(Equal(models.SandboxStateRunning))
		})

		It("extends its lifetime on timeout and refresh", func() {
			before, err := apiClient.GetSandbox(ctx, sandbox.SandboxID)
			Expect(err).NotTo(HaveOccurred())

			Expect(apiClient.SetTimeout(ctx, sandbox.SandboxID, 600)).To(Succeed())
			after, err := apiClient.GetSandbox(ctx, sandbox.SandboxID)
			Expect(err).NotTo(HaveOccurred())
			Expect(after.EndAt).To(BeTemporally(">", before.EndAt))

			Expect(apiClient.RefreshSandbox(ctx, sandbox.SandboxID, models.RefreshDuration)).To(Succeed())
		})

		It("pauses and resumes", func() {
			Expect(apiClient.PauseSandbox(ctx, sandbox.SandboxID)).To(Succeed())
			err := apiClient.PauseSandbox(ctx, sandbox.SandboxID)
			Expect(client.IsConflict(err)).To(BeTrue())

			paused, err := apiClient.ListSandboxes(ctx, client.ListOptions{
				States:   []models.SandboxState{models.SandboxStatePaused},
				Metadata: map[string]string{"run": run},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(paused.Sandboxes).To(HaveLen(1))

			resumed, err := apiClient.ResumeSandbox(ctx, sandbox.SandboxID, models.MinTimeoutSeconds)
			Expect(err).NotTo(HaveOccurred())
			Expect(resumed.SandboxID).To(Equal(sandbox.SandboxID))
		})

		It("is gone after kill", func() {
			Expect(apiClient.KillSandbox(ctx, sandbox.SandboxID)).To(Succeed())
			_, err := apiClient.GetSandbox(ctx, sandbox.SandboxID)
			Expect(client.IsNotFound(err)).To(BeTrue())
		})
	})

	Context("validation", func() {
		It("rejects timeouts out of range", func() {
			err := apiClient.SetTimeout(ctx, sandbox.SandboxID, models.MaxTimeoutSeconds+1)
			Expect(err).To(HaveOccurred())
			Expect(client.StatusCode(err)).To(Equal(400))
		})
	})
})

var _ = Describe("APIKey", func() {
	ctx := context.Background()

	It("authenticates with a created key until it is deleted", func() {
		created, err := apiClient.CreateAPIKey(ctx, fmt.Sprintf("e2e-%d", time.Now().UnixNano()))
		Expect(err).NotTo(HaveOccurred())

		userClient, err := utils.NewClient(apiURL, created.Key)
		Expect(err).NotTo(HaveOccurred())
		_, err = userClient.ListSandboxes(ctx, client.ListOptions{})
		Expect(err).NotTo(HaveOccurred())

		Expect(apiClient.DeleteAPIKey(ctx, created.ID.String())).To(Succeed())
		_, err = userClient.ListSandboxes(ctx, client.ListOptions{})
		Expect(client.IsUnauthorized(err)).To(BeTrue())
	})
})
