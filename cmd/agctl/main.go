package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

const usage = "usage: agctl authorize --dataset <id> --stage <s> [--actor <a>] | agctl complete --dataset <id> --subject <s> [--actor <a>] [--evidence <ref>]... | agctl audit --dataset <id>"

func main() {
	if len(os.Args) < 2 {
		fail(usage)
	}
	switch os.Args[1] {
	case "authorize":
		runAuthorize(os.Args[2:])
	case "complete":
		runComplete(os.Args[2:])
	case "audit":
		runAudit(os.Args[2:])
	default:
		fail(usage)
	}
}

type repeatStringFlag []string

func (r *repeatStringFlag) String() string { return strings.Join(*r, ",") }
func (r *repeatStringFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	*r = append(*r, v)
	return nil
}

func baseURL() string {
	if v := os.Getenv("TODISCOPE_BASE_URL"); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://localhost:8080"
}

func runAuthorize(args []string) {
	fs := flag.NewFlagSet("authorize", flag.ExitOnError)
	dataset := fs.String("dataset", "", "dataset version id")
	stage := fs.String("stage", "", "stage ref, e.g. normalize or calculate:ratio")
	actor := fs.String("actor", "agctl", "acting identity")
	_ = fs.Parse(args)
	if *dataset == "" || *stage == "" {
		fail(usage)
	}
	post(fmt.Sprintf("%s/v1/datasets/%s/stages:authorize", baseURL(), *dataset),
		map[string]any{"stage": *stage, "actor": *actor})
}

func runComplete(args []string) {
	fs := flag.NewFlagSet("complete", flag.ExitOnError)
	dataset := fs.String("dataset", "", "dataset version id")
	subject := fs.String("subject", "", "subject id, e.g. import or calculate:ratio")
	actor := fs.String("actor", "agctl", "acting identity")
	var refs repeatStringFlag
	fs.Var(&refs, "evidence", "evidence ref (repeatable)")
	_ = fs.Parse(args)
	if *dataset == "" || *subject == "" {
		fail(usage)
	}
	post(fmt.Sprintf("%s/v1/datasets/%s/subjects:complete", baseURL(), *dataset),
		map[string]any{"subject_id": *subject, "actor": *actor, "evidence_refs": []string(refs)})
}

func runAudit(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	dataset := fs.String("dataset", "", "dataset version id")
	_ = fs.Parse(args)
	if *dataset == "" {
		fail(usage)
	}
	resp, err := http.Get(fmt.Sprintf("%s/v1/datasets/%s/audit", baseURL(), *dataset))
	if err != nil {
		fail(err.Error())
	}
	emit(resp)
}

func post(url string, body map[string]any) {
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		fail(err.Error())
	}
	emit(resp)
}

func emit(resp *http.Response) {
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	var pretty bytes.Buffer
	if json.Indent(&pretty, b, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(b))
	}
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
