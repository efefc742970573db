package main

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hochfrequenz/portal-orchestrator/internal/workerproto"
)

func encodeTask(t *testing.T, task workerproto.Task) string {
	t.Helper()
	s, err := workerproto.EncodeTask(task)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestBuildRequest(t *testing.T) {
	tests := []struct {
		name         string
		flagAccount  string
		flagTarget   string
		flagProvider string
		task         string

		wantAccount  string
		wantProvider string
		wantTarget   string
		wantErr      string
	}{
		{
			name:         "flags only",
			flagAccount:  "111",
			flagTarget:   "T1",
			flagProvider: "nubank",
			wantAccount:  "111",
			wantProvider: "nubank",
			wantTarget:   "T1",
		},
		{
			name:         "task fills account and target",
			flagProvider: "nubank",
			task:         encodeTask(t, workerproto.Task{TargetID: "T2", Account: "222"}),
			wantAccount:  "222",
			wantProvider: "nubank",
			wantTarget:   "T2",
		},
		{
			name:         "account flag wins over task",
			flagAccount:  "111",
			flagTarget:   "T1",
			flagProvider: "nubank",
			task:         encodeTask(t, workerproto.Task{TargetID: "T2", Account: "222"}),
			wantAccount:  "111",
			wantProvider: "nubank",
			wantTarget:   "T1",
		},
		{
			name:         "provider from params",
			flagProvider: "nubank",
			task: encodeTask(t, workerproto.Task{
				TargetID: "T3",
				Account:  "333",
				Params:   json.RawMessage(`{"provider":"picpay"}`),
			}),
			wantAccount:  "333",
			wantProvider: "picpay",
			wantTarget:   "T3",
		},
		{
			name:         "empty provider param keeps flag",
			flagProvider: "nubank",
			task: encodeTask(t, workerproto.Task{
				TargetID: "T4",
				Account:  "444",
				Params:   json.RawMessage(`{"provider":""}`),
			}),
			wantAccount:  "444",
			wantProvider: "nubank",
			wantTarget:   "T4",
		},
		{
			name:    "task is not base64",
			task:    "%%%",
			wantErr: "decoding task argument",
		},
		{
			name:    "params are not an object",
			task:    base64.StdEncoding.EncodeToString([]byte(`{"target_id":"T5","account":"5","params":"nubank"}`)),
			wantErr: "parsing task params",
		},
		{
			name:       "no account anywhere",
			flagTarget: "T6",
			task:       encodeTask(t, workerproto.Task{TargetID: "T6"}),
			wantErr:    "--account is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account, targetID, provider, taskArg = tt.flagAccount, tt.flagTarget, tt.flagProvider, tt.task
			defer func() { account, targetID, provider, taskArg = "", "", "", "" }()

			req, err := buildRequest()
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if req.Account != tt.wantAccount {
				t.Errorf("account = %q, want %q", req.Account, tt.wantAccount)
			}
			if req.Provider != tt.wantProvider {
				t.Errorf("provider = %q, want %q", req.Provider, tt.wantProvider)
			}
			if targetID != tt.wantTarget {
				t.Errorf("target id = %q, want %q", targetID, tt.wantTarget)
			}
		})
	}
}
