package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/nmoreaux/cantinad/internal/crypto"
)

// cmdHashSecret prints the encoded hash of an operator secret, ready to be
// pasted into the server config as auth.accounts[].secret_hash.
func cmdHashSecret(args []string) {
	fs := flag.NewFlagSet("hash-secret", flag.ExitOnError)
	p := fs.String("p", "", "secret")
	_ = fs.Parse(args)
	if *p == "" {
		fmt.Fprintln(os.Stderr, "need -p")
		os.Exit(1)
	}
	h, err := crypto.HashSecret(*p)
	if err != nil {
		fail(err)
	}
	fmt.Println(h)
}

// cmdLogin authenticates and stores the session token locally.
func cmdLogin(args []string, addr string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	u := fs.String("u", "", "username")
	p := fs.String("p", "", "secret")
	_ = fs.Parse(args)
	if *u == "" || *p == "" {
		fmt.Fprintln(os.Stderr, "need -u and -p")
		os.Exit(1)
	}

	body, _ := json.Marshal(map[string]string{"username": *u, "secret": *p})
	raw, err := newClient(addr, "").do(http.MethodPost, "/v1/auth/login", strings.NewReader(string(body)), "application/json")
	if err != nil {
		fail(err)
	}

	var resp struct {
		AccessToken string    `json:"access_token"`
		ExpiresAt   time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		fail(err)
	}
	if err := saveToken(resp.AccessToken, resp.ExpiresAt); err != nil {
		fail(err)
	}
	fmt.Println("ok")
}

func cmdList(addr string) {
	raw, err := authedClient(addr).do(http.MethodGet, "/v1/identities", nil, "")
	if err != nil {
		fail(err)
	}
	printRaw(raw)
}

func cmdGet(args []string, addr string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	id := fs.String("id", "", "identity id")
	_ = fs.Parse(args)
	if *id == "" {
		fmt.Fprintln(os.Stderr, "need -id")
		os.Exit(1)
	}
	raw, err := authedClient(addr).do(http.MethodGet, "/v1/identities/"+url.PathEscape(*id), nil, "")
	if err != nil {
		fail(err)
	}
	printRaw(raw)
}

// cmdEnroll registers a new identity from an enrollment photo.
func cmdEnroll(args []string, addr string) {
	fs := flag.NewFlagSet("enroll", flag.ExitOnError)
	id := fs.String("id", "", "identity id")
	name := fs.String("name", "", "display name")
	photo := fs.String("photo", "", "enrollment photo file")
	balance := fs.String("balance", "", "initial balance (server default if empty)")
	_ = fs.Parse(args)
	if *id == "" || *name == "" || *photo == "" {
		fmt.Fprintln(os.Stderr, "need -id, -name and -photo")
		os.Exit(1)
	}

	body, ct, err := multipartImage("photo", *photo, map[string]string{
		"id":              *id,
		"display_name":    *name,
		"initial_balance": *balance,
	})
	if err != nil {
		fail(err)
	}
	raw, err := authedClient(addr).do(http.MethodPost, "/v1/identities", body, ct)
	if err != nil {
		fail(err)
	}
	printRaw(raw)
}

// cmdBalance credits or debits an account. Negative amounts debit.
func cmdBalance(args []string, addr string) {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	id := fs.String("id", "", "identity id")
	amount := fs.String("amount", "", "signed amount, e.g. 10.00 or -4.00")
	reason := fs.String("reason", "manual", "audit reason")
	_ = fs.Parse(args)
	if *id == "" || *amount == "" {
		fmt.Fprintln(os.Stderr, "need -id and -amount")
		os.Exit(1)
	}

	body, _ := json.Marshal(map[string]string{"amount": *amount, "reason": *reason})
	raw, err := authedClient(addr).do(http.MethodPost, "/v1/identities/"+url.PathEscape(*id)+"/balance", strings.NewReader(string(body)), "application/json")
	if err != nil {
		fail(err)
	}
	printRaw(raw)
}

func cmdCheck(args []string, addr string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	id := fs.String("id", "", "identity id")
	_ = fs.Parse(args)
	if *id == "" {
		fmt.Fprintln(os.Stderr, "need -id")
		os.Exit(1)
	}
	raw, err := authedClient(addr).do(http.MethodGet, "/v1/identities/"+url.PathEscape(*id)+"/balance", nil, "")
	if err != nil {
		fail(err)
	}
	printRaw(raw)
}

// cmdDecide submits one image file for an access decision.
func cmdDecide(args []string, addr string) {
	fs := flag.NewFlagSet("decide", flag.ExitOnError)
	file := fs.String("file", "", "probe image file")
	_ = fs.Parse(args)
	if *file == "" {
		fmt.Fprintln(os.Stderr, "need -file")
		os.Exit(1)
	}

	body, ct, err := multipartImage("image", *file, nil)
	if err != nil {
		fail(err)
	}
	raw, err := authedClient(addr).do(http.MethodPost, "/v1/access/decide", body, ct)
	if err != nil {
		fail(err)
	}
	printRaw(raw)
}

func cmdRemove(args []string, addr string) {
	fs := flag.NewFlagSet("rm", flag.ExitOnError)
	id := fs.String("id", "", "identity id")
	_ = fs.Parse(args)
	if *id == "" {
		fmt.Fprintln(os.Stderr, "need -id")
		os.Exit(1)
	}
	if _, err := authedClient(addr).do(http.MethodDelete, "/v1/identities/"+url.PathEscape(*id), nil, ""); err != nil {
		fail(err)
	}
	fmt.Println("ok")
}

func cmdReload(addr string) {
	raw, err := authedClient(addr).do(http.MethodPost, "/v1/index/reload", nil, "")
	if err != nil {
		fail(err)
	}
	printRaw(raw)
}

func cmdStats(addr string) {
	raw, err := authedClient(addr).do(http.MethodGet, "/v1/stats", nil, "")
	if err != nil {
		fail(err)
	}
	printRaw(raw)
}
