// cmd/demo/main.go
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/Corphon/Formamorph/internal/app"
	"github.com/Corphon/Formamorph/internal/config"
	"github.com/Corphon/Formamorph/internal/di"
	"github.com/Corphon/Formamorph/internal/gameplay"
	"github.com/Corphon/Formamorph/internal/services"
)

// 控制台版本：选择世界后用键盘游玩，叙述实时输出
func main() {
	fmt.Println("🚀 Formamorph Console")
	fmt.Println("=================================")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ 加载配置失败: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("❌ %v", err)
	}

	ctx := context.Background()
	application, err := app.New(ctx, cfg, di.NewContainer())
	if err != nil {
		log.Fatalf("❌ 初始化服务失败: %v", err)
	}
	defer application.Close(ctx)

	if ready, state := application.LLM().GetProviderStatus(); !ready {
		fmt.Printf("⚠️ AI 服务未就绪: %s\n", state)
	}

	in := bufio.NewScanner(os.Stdin)
	game := application.Game()

	worldID := chooseWorld(in, game)
	if worldID == "" {
		return
	}
	session, err := game.CreateSession(services.CreateSessionRequest{WorldID: worldID})
	if err != nil {
		log.Fatalf("❌ 创建会话失败: %v", err)
	}

	events, cancel := session.Events().Subscribe()
	defer cancel()
	go printEvents(events)

	fmt.Println("输入动作，数字选择选项。命令: /stats /save NAME /load NAME /rollback PAGE /quit")
	if err := game.Act(ctx, session.ID, gameplay.StartAction); err != nil {
		fmt.Println("❌", gameplay.UserFacingMessage(err))
	}

	for {
		fmt.Print("\n> ")
		if !in.Scan() {
			return
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if !runCommand(ctx, game, session, line) {
				return
			}
			continue
		}

		action := line
		if n, err := strconv.Atoi(line); err == nil {
			choices := session.View().Choices
			if n < 1 || n > len(choices) {
				fmt.Println("没有这个选项")
				continue
			}
			action = choices[n-1]
		}
		if err := game.Act(ctx, session.ID, action); err != nil {
			fmt.Println("❌", gameplay.UserFacingMessage(err))
		}
	}
}

func chooseWorld(in *bufio.Scanner, game *services.GameService) string {
	worlds := game.Catalog().List()
	if len(worlds) == 0 {
		fmt.Println("没有可用的世界")
		return ""
	}
	fmt.Println("可用世界:")
	for i, w := range worlds {
		fmt.Printf("  %d) %s  %s\n", i+1, w.Name, w.Description)
	}
	fmt.Print("选择 [1]: ")
	if !in.Scan() {
		return ""
	}
	n, err := strconv.Atoi(strings.TrimSpace(in.Text()))
	if err != nil || n < 1 || n > len(worlds) {
		n = 1
	}
	return worlds[n-1].ID
}

// printEvents 叙述事件是累计文本，只打印新增部分
func printEvents(events <-chan gameplay.Event) {
	printed := 0
	for ev := range events {
		switch ev.Type {
		case gameplay.EventNarration:
			if len(ev.Text) < printed {
				printed = 0
			}
			fmt.Print(ev.Text[printed:])
			printed = len(ev.Text)
		case gameplay.EventCommitted:
			printed = 0
			fmt.Println()
			for i, c := range ev.Choices {
				fmt.Printf("  %d) %s\n", i+1, c)
			}
		case gameplay.EventError:
			printed = 0
			fmt.Println("\n❌", ev.Error)
		}
	}
}

// runCommand 返回 false 表示退出
func runCommand(ctx context.Context, game *services.GameService, session *gameplay.Session, line string) bool {
	fields := strings.Fields(line)
	arg := strings.Join(fields[1:], " ")

	switch fields[0] {
	case "/quit", "/exit":
		return false
	case "/stats":
		view := session.View()
		if view.Location != nil {
			fmt.Printf("📍 %s  ⏱ %.1f\n", view.Location.Name, view.GameTime)
		}
		for _, st := range view.Stats {
			fmt.Printf("  %-12s %g\n", st.Name, st.Value)
		}
		if len(view.VisibleEntities) > 0 {
			fmt.Println("  可见:", strings.Join(view.VisibleEntities, ", "))
		}
	case "/save":
		if err := game.SaveGame(ctx, session.ID, arg); err != nil {
			fmt.Println("❌", err)
			break
		}
		fmt.Println("✅ 已保存")
	case "/load":
		found, err := game.LoadGame(ctx, session.ID, arg)
		switch {
		case err != nil:
			fmt.Println("❌", err)
		case !found:
			fmt.Println("没有这个存档")
		default:
			fmt.Println("✅ 已读取")
			fmt.Println(session.View().GameplayText)
		}
	case "/rollback":
		page, err := strconv.Atoi(arg)
		if err != nil {
			fmt.Println("用法: /rollback PAGE")
			break
		}
		ok, err := game.Rollback(session.ID, page)
		if err != nil || !ok {
			fmt.Println("❌ 无法回退到该页")
			break
		}
		fmt.Println(session.View().GameplayText)
	default:
		fmt.Println("未知命令")
	}
	return true
}
