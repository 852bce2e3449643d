// Package main runs a smoke test against a live queue API.
//
// It books a handful of patients for one clinic, completes the first ticket
// as staff, and checks that everyone behind it moved up by one.
//
// Usage:
//
//	go run ./scripts/queue-smoke --clinic=<clinicID> [--api=URL] [--secret=SECRET] [--patients=3]
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Globals
// ---------------------------------------------------------------------------

var (
	flagClinic   string
	flagAPI      string
	flagSecret   string
	flagPatients int
	staffToken   string
)

func init() {
	flag.StringVar(&flagClinic, "clinic", "", "Clinic ID (required)")
	flag.StringVar(&flagAPI, "api", "http://localhost:8080", "API base URL")
	flag.StringVar(&flagSecret, "secret", "", "Staff JWT secret (or STAFF_JWT_SECRET env)")
	flag.IntVar(&flagPatients, "patients", 3, "Number of bookings to make")
}

type appointment struct {
	ID          string `json:"id"`
	QueueNumber int    `json:"queue_number"`
	Status      string `json:"status"`
}

type check struct {
	Name   string
	Pass   bool
	Detail string
}

// ---------------------------------------------------------------------------
// JWT
// ---------------------------------------------------------------------------

func generateStaffJWT() (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "queue-smoke",
		"role": "staff",
		"iat":  now.Unix(),
		"exp":  now.Add(time.Hour).Unix(),
	})
	return token.SignedString([]byte(flagSecret))
}

// ---------------------------------------------------------------------------
// API helpers
// ---------------------------------------------------------------------------

func call(method, path string, body any, staff bool, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequest(method, flagAPI+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if staff {
		req.Header.Set("Authorization", "Bearer "+staffToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", string(raw), err)
		}
	}
	return resp.StatusCode, nil
}

func book(idx int) (*appointment, error) {
	patient := map[string]any{
		"name":   fmt.Sprintf("Smoke Patient %d", idx),
		"phone":  fmt.Sprintf("+2010000%05d", idx),
		"age":    30 + idx,
		"gender": "female",
	}
	var appt appointment
	code, err := call(http.MethodPost, "/clinics/"+flagClinic+"/appointments", patient, false, &appt)
	if err != nil {
		return nil, err
	}
	if code != http.StatusCreated {
		return nil, fmt.Errorf("booking returned %d", code)
	}
	return &appt, nil
}

func ahead(id string) (int, error) {
	var out struct {
		PatientsAhead int `json:"patients_ahead"`
	}
	code, err := call(http.MethodGet, "/appointments/"+id+"/ahead", nil, false, &out)
	if err != nil {
		return 0, err
	}
	if code != http.StatusOK {
		return 0, fmt.Errorf("ahead returned %d", code)
	}
	return out.PatientsAhead, nil
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	flag.Parse()
	if _, err := uuid.Parse(flagClinic); err != nil {
		fmt.Fprintln(os.Stderr, "--clinic must be a clinic UUID")
		os.Exit(2)
	}
	if flagSecret == "" {
		flagSecret = os.Getenv("STAFF_JWT_SECRET")
	}
	if flagSecret == "" {
		fmt.Fprintln(os.Stderr, "--secret or STAFF_JWT_SECRET is required")
		os.Exit(2)
	}
	var err error
	if staffToken, err = generateStaffJWT(); err != nil {
		fmt.Fprintln(os.Stderr, "sign token:", err)
		os.Exit(2)
	}

	var checks []check
	var booked []*appointment
	for i := 0; i < flagPatients; i++ {
		appt, err := book(i)
		if err != nil {
			checks = append(checks, check{Name: fmt.Sprintf("book #%d", i+1), Detail: err.Error()})
			continue
		}
		booked = append(booked, appt)
	}
	checks = append(checks, check{
		Name:   "bookings",
		Pass:   len(booked) == flagPatients,
		Detail: fmt.Sprintf("%d/%d booked", len(booked), flagPatients),
	})

	before := map[string]int{}
	for _, a := range booked {
		if n, err := ahead(a.ID); err == nil {
			before[a.ID] = n
		}
	}

	if len(booked) > 0 {
		var tr struct {
			Changed    bool  `json:"changed"`
			Propagated int64 `json:"propagated"`
		}
		code, err := call(http.MethodPost, "/appointments/"+booked[0].ID+"/complete", nil, true, &tr)
		detail := fmt.Sprintf("status=%d propagated=%d", code, tr.Propagated)
		if err != nil {
			detail = err.Error()
		}
		checks = append(checks, check{Name: "complete first ticket", Pass: err == nil && code == http.StatusOK && tr.Changed, Detail: detail})

		for _, a := range booked[1:] {
			n, err := ahead(a.ID)
			pass := err == nil && n == before[a.ID]-1
			checks = append(checks, check{
				Name:   fmt.Sprintf("ticket #%d moved up", a.QueueNumber),
				Pass:   pass,
				Detail: fmt.Sprintf("ahead %d -> %d", before[a.ID], n),
			})
		}
	}

	failed := 0
	fmt.Println("Queue smoke test against", flagAPI)
	for _, c := range checks {
		icon := "PASS"
		if !c.Pass {
			icon = "FAIL"
			failed++
		}
		fmt.Printf("  [%s] %-28s %s\n", icon, c.Name, c.Detail)
	}
	if failed > 0 {
		os.Exit(1)
	}
}
