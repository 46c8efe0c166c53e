package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ivlev/reelforge/internal/filter"
	"github.com/ivlev/reelforge/internal/script"
	"github.com/ivlev/reelforge/internal/storage"
)

func runList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	del := fs.String("delete", "", "Удалить ролик с этим ID")

	a, err := setup(ctx, fs, args)
	if err != nil {
		return err
	}
	lib, err := a.library()
	if err != nil {
		return err
	}
	if *del != "" {
		if err := lib.Delete(ctx, storage.ID(*del)); err != nil {
			return err
		}
		fmt.Printf("[+++] Удалено: %s\n", *del)
		return nil
	}

	entries, err := lib.List(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("[!] Библиотека пуста")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tDURATION\tSIZE\tCREATED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%ds\t%.1f MB\t%s\n",
			e.ID, e.Title, e.DurationSeconds, float64(e.Size)/(1<<20), e.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runPresets(args []string) error {
	fs := flag.NewFlagSet("presets", flag.ExitOnError)
	category := fs.String("category", "", "Показать только эту категорию")
	if err := fs.Parse(args); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tCSS")
	for _, p := range filter.Presets() {
		if *category != "" && p.Category != *category {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Category, p.CSS)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nКатегории: %s\n", strings.Join(filter.Categories(), ", "))
	return nil
}

func runScript(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("script", flag.ExitOnError)
	topic := fs.String("topic", "", "Тема ролика")
	article := fs.String("article", "", "ID статьи вместо темы")
	tone := fs.String("tone", string(script.Engaging), "engaging, formal, funny, educational")
	duration := fs.Int("duration", 30, "Длительность: 15, 30 или 60 секунд")
	url := fs.String("url", "", "Адрес сервиса генерации (по умолчанию из конфигурации)")

	a, err := setup(ctx, fs, args)
	if err != nil {
		return err
	}
	base := *url
	if base == "" {
		base = a.cfg.ScriptURL
	}
	if base == "" {
		return errors.New("script service url is not configured (REELFORGE_SCRIPT_URL)")
	}

	client := script.NewHTTPClient(base, a.cfg.ScriptPerMinute, a.log)
	s, err := client.Generate(ctx, script.Request{
		Topic:           *topic,
		ArticleID:       *article,
		Tone:            script.Tone(*tone),
		DurationSeconds: *duration,
	})
	if err != nil {
		return err
	}

	fmt.Printf("[*] Сценарий (~%d с):\n\n%s\n", s.EstimatedDuration, s.Text)
	if len(s.KeyPoints) > 0 {
		fmt.Println("\nКлючевые моменты:")
		for _, p := range s.KeyPoints {
			fmt.Printf("  - %s\n", p)
		}
	}
	if len(s.SuggestedVisuals) > 0 {
		fmt.Println("\nВизуальные идеи:")
		for _, v := range s.SuggestedVisuals {
			fmt.Printf("  - %s\n", v)
		}
	}
	return nil
}
