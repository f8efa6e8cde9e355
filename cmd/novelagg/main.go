package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/ch1kulya/logger"

	"github.com/John-Robertt/novelagg/internal/config"
	"github.com/John-Robertt/novelagg/internal/provider"
	"github.com/John-Robertt/novelagg/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run 是可测试的入口：stdout 只输出一个 JSON 值，诊断信息走 stderr。
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	ga, rest, err := parseGlobalArgs(args)
	if err != nil {
		fmt.Fprintf(stderr, "参数错误：%v\n\n", err)
		printUsage(stderr)
		return 2
	}
	if len(rest) == 0 || isHelp(rest[0]) {
		printUsage(stdout)
		return 0
	}

	cmd, cmdArgs := rest[0], rest[1:]
	for _, a := range cmdArgs {
		if isHelp(a) {
			printUsage(stdout)
			return 0
		}
	}
	if cmd == "serve" {
		addr, err := parseServeArgs(cmdArgs)
		if err != nil {
			fmt.Fprintf(stderr, "参数错误：%v\n\n", err)
			printUsage(stderr)
			return 2
		}
		ga.Addr = addr
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(stderr, "读取当前目录失败：%v\n", err)
		return 1
	}
	eff, err := config.LoadEffective(cwd, ga)
	if err != nil {
		return emitError(stdout, stderr, config.Code(err), err)
	}

	a, err := newApp(eff)
	if err != nil {
		fmt.Fprintf(stderr, "初始化失败：%v\n", err)
		return 1
	}
	defer a.Close()

	var out any
	switch cmd {
	case "sources":
		out = a.reg.Infos()
	case "main":
		source, q, perr := parseMainArgs(cmdArgs)
		if perr != nil {
			return usageError(stderr, perr)
		}
		out, err = a.reg.MainPage(ctx, source, q)
	case "search":
		if len(cmdArgs) < 1 {
			return usageError(stderr, fmt.Errorf("search 需要 <source> [query]"))
		}
		out, err = a.reg.Search(ctx, cmdArgs[0], strings.Join(cmdArgs[1:], " "))
	case "detail":
		if len(cmdArgs) != 2 {
			return usageError(stderr, fmt.Errorf("detail 需要 <source> <url>"))
		}
		out, err = a.reg.Load(ctx, cmdArgs[0], cmdArgs[1])
	case "chapter":
		if len(cmdArgs) != 2 {
			return usageError(stderr, fmt.Errorf("chapter 需要 <source> <url>"))
		}
		var (
			content string
			found   bool
		)
		content, found, err = a.reg.ChapterContent(ctx, cmdArgs[0], cmdArgs[1])
		out = chapterOutput{Found: found, Content: content}
	case "session":
		sub, source, cookie, perr := parseSessionArgs(cmdArgs)
		if perr != nil {
			return usageError(stderr, perr)
		}
		out, err = a.session(ctx, sub, source, cookie)
	case "serve":
		logger.Info("缓存目录：%s", eff.CacheDir)
		if err := server.Run(ctx, eff.Addr, server.New(a.reg)); err != nil {
			fmt.Fprintf(stderr, "服务失败：%v\n", err)
			return 1
		}
		return 0
	default:
		fmt.Fprintf(stderr, "未知命令：%q\n\n", cmd)
		printUsage(stderr)
		return 2
	}

	if err != nil {
		return emitError(stdout, stderr, string(provider.KindOf(err)), err)
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(stderr, "输出失败：%v\n", err)
		return 1
	}
	return 0
}

type chapterOutput struct {
	Found   bool   `json:"found"`
	Content string `json:"content,omitempty"`
}

type errorOutput struct {
	Code string `json:"error_code"`
	Msg  string `json:"error_msg"`
}

func emitError(stdout, stderr io.Writer, code string, err error) int {
	if code == "" {
		code = string(provider.KindFetch)
	}
	_ = json.NewEncoder(stdout).Encode(errorOutput{Code: code, Msg: err.Error()})
	fmt.Fprintf(stderr, "%s: %v\n", code, err)
	return 1
}

func usageError(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "参数错误：%v\n\n", err)
	printUsage(stderr)
	return 2
}

// parseGlobalArgs 从任意位置取出 --config / --cache-dir，其余参数原样返回。
func parseGlobalArgs(args []string) (config.CLIArgs, []string, error) {
	var (
		ga   config.CLIArgs
		rest []string
	)
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--config" || a == "--cache-dir":
			if i+1 >= len(args) {
				return config.CLIArgs{}, nil, fmt.Errorf("%s 需要一个值", a)
			}
			i++
			if a == "--config" {
				ga.ConfigPath = args[i]
			} else {
				ga.CacheDir = args[i]
			}
		case strings.HasPrefix(a, "--config="):
			ga.ConfigPath = strings.TrimPrefix(a, "--config=")
		case strings.HasPrefix(a, "--cache-dir="):
			ga.CacheDir = strings.TrimPrefix(a, "--cache-dir=")
		default:
			rest = append(rest, a)
		}
	}
	return ga, rest, nil
}

// parseMainArgs 解析 main <source> [--page N] [--order K] [--tag T] [--category C]。
func parseMainArgs(args []string) (string, provider.MainPageQuery, error) {
	q := provider.MainPageQuery{Page: 1}
	var source string
	for i := 0; i < len(args); i++ {
		a := args[i]
		name, val, hasVal := strings.Cut(a, "=")
		switch name {
		case "--page", "--order", "--tag", "--category":
			if !hasVal {
				if i+1 >= len(args) {
					return "", provider.MainPageQuery{}, fmt.Errorf("%s 需要一个值", name)
				}
				i++
				val = args[i]
			}
			switch name {
			case "--page":
				n, err := strconv.Atoi(val)
				if err != nil || n < 1 {
					return "", provider.MainPageQuery{}, fmt.Errorf("--page 必须是正整数，实际是 %q", val)
				}
				q.Page = n
			case "--order":
				q.OrderBy = val
			case "--tag":
				q.Tag = val
			case "--category":
				q.Category = val
			}
		default:
			if strings.HasPrefix(a, "-") {
				return "", provider.MainPageQuery{}, fmt.Errorf("未知参数 %q", a)
			}
			if source != "" {
				return "", provider.MainPageQuery{}, fmt.Errorf("重复的 source：%q 与 %q", source, a)
			}
			source = a
		}
	}
	if source == "" {
		return "", provider.MainPageQuery{}, fmt.Errorf("main 需要 <source>")
	}
	return source, q, nil
}

// parseSessionArgs 解析 save <source> <cookie...> 与 clear <source>。
func parseSessionArgs(args []string) (sub, source, cookie string, err error) {
	if len(args) < 2 {
		return "", "", "", fmt.Errorf("session 需要 save <source> <cookie> 或 clear <source>")
	}
	sub, source = args[0], args[1]
	switch sub {
	case "save":
		if len(args) < 3 {
			return "", "", "", fmt.Errorf("session save 需要 <source> <cookie>")
		}
		cookie = strings.Join(args[2:], " ")
	case "clear":
		if len(args) != 2 {
			return "", "", "", fmt.Errorf("session clear 只接受 <source>")
		}
	default:
		return "", "", "", fmt.Errorf("未知的 session 子命令 %q", sub)
	}
	return sub, source, cookie, nil
}

func parseServeArgs(args []string) (string, error) {
	var addr string
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--addr":
			if i+1 >= len(args) {
				return "", fmt.Errorf("--addr 需要一个值")
			}
			i++
			addr = args[i]
		case strings.HasPrefix(a, "--addr="):
			addr = strings.TrimPrefix(a, "--addr=")
		default:
			return "", fmt.Errorf("未知参数 %q", a)
		}
	}
	return addr, nil
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `用法：
  novelagg [--config F] [--cache-dir D] <命令> [参数]

命令：
  sources                                   列出来源
  main <source> [--page N] [--order K] [--tag T] [--category C]
                                            来源首页列表
  search <source> [query]                   搜索（空查询返回全部）
  detail <source> <url>                     作品详情与章节列表
  chapter <source> <url>                    章节正文
  session save <source> <cookie>            以外部 cookie 覆盖会话
  session clear <source>                    清除会话
  serve [--addr A]                          启动本地 JSON API

结果以 JSON 输出到 stdout；失败时输出 {"error_code","error_msg"} 并以 1 退出。
`)
}
