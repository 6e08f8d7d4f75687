package main

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var title = cases.Title(language.English)

// Category groups content types with similar statistics.
type Category string

const (
	CatText       Category = "text"
	CatCode       Category = "code"
	CatStructured Category = "structured"
	CatMarkup     Category = "markup"
	CatBinary     Category = "binary"
)

// ContentType is one generated corpus.
type ContentType struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Category Category `json:"category"`
}

var contentTypes = []ContentType{
	{ID: "en", Name: "English", Category: CatText},
	{ID: "es", Name: "Spanish", Category: CatText},
	{ID: "ru", Name: "Russian", Category: CatText},

	{ID: "go", Name: "Go", Category: CatCode},
	{ID: "python", Name: "Python", Category: CatCode},
	{ID: "c", Name: "C", Category: CatCode},

	{ID: "json", Name: "JSON", Category: CatStructured},
	{ID: "csv", Name: "CSV", Category: CatStructured},
	{ID: "log", Name: "Server log", Category: CatStructured},

	{ID: "html", Name: "HTML", Category: CatMarkup},
	{ID: "markdown", Name: "Markdown", Category: CatMarkup},

	{ID: "runs", Name: "Long runs", Category: CatBinary},
	{ID: "table", Name: "Numeric table", Category: CatBinary},
	{ID: "random", Name: "Random", Category: CatBinary},
}

func findContentType(id string) (ContentType, bool) {
	for _, ct := range contentTypes {
		if ct.ID == id {
			return ct, true
		}
	}
	return ContentType{}, false
}

// generate returns exactly size bytes of ct. Output depends only on
// ct and size.
func generate(ct ContentType, size int) []byte {
	var seed uint64
	for _, c := range ct.ID {
		seed = seed*31 + uint64(c)
	}
	rng := rand.New(rand.NewPCG(seed, 42))
	var sb strings.Builder
	sb.Grow(size + 512)

	switch ct.Category {
	case CatText:
		writeProse(&sb, rng, sentences[ct.ID], size)
	case CatCode:
		writeCode(&sb, rng, ct.ID, size)
	case CatStructured:
		writeRecords(&sb, rng, ct.ID, size)
	case CatMarkup:
		writeMarkup(&sb, rng, ct.ID, size)
	case CatBinary:
		return binaryContent(rng, ct.ID, size)
	}

	out := []byte(sb.String())
	if len(out) == 0 {
		out = []byte{' '}
	}
	for len(out) < size {
		out = append(out, out...)
	}
	return out[:size]
}

var sentences = map[string][]string{
	"en": {
		"The quick brown fox jumps over the lazy dog.",
		"Every archive begins with a local header and ends with a central directory.",
		"The committee will meet again on Thursday to review the budget.",
		"Rain is expected in the northern districts later this evening.",
		"She opened the window and listened to the traffic below.",
		"Most of the library was rebuilt after the fire in the spring.",
		"A good compressor finds long matches without spending too long looking.",
		"They walked along the river until the lights of the town appeared.",
	},
	"es": {
		"El rápido zorro marrón salta sobre el perro perezoso.",
		"El comité se reunirá de nuevo el jueves para revisar el presupuesto.",
		"Se esperan lluvias en los distritos del norte esta tarde.",
		"Abrió la ventana y escuchó el tráfico de la calle.",
		"La mayor parte de la biblioteca fue reconstruida tras el incendio.",
		"Caminaron junto al río hasta que aparecieron las luces del pueblo.",
	},
	"ru": {
		"Быстрая коричневая лиса прыгает через ленивую собаку.",
		"Комитет снова соберётся в четверг, чтобы обсудить бюджет.",
		"Вечером в северных районах ожидается дождь.",
		"Она открыла окно и слушала шум улицы.",
		"Большая часть библиотеки была восстановлена после пожара.",
		"Они шли вдоль реки, пока не показались огни города.",
	},
}

func writeProse(sb *strings.Builder, rng *rand.Rand, corpus []string, size int) {
	for sb.Len() < size {
		n := 3 + rng.IntN(4)
		for i := 0; i < n; i++ {
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(corpus[rng.IntN(len(corpus))])
		}
		sb.WriteString("\n\n")
	}
}

var verbs = []string{"parse", "load", "store", "flush", "merge", "encode", "decode", "scan"}
var nouns = []string{"header", "block", "entry", "window", "table", "record", "buffer", "stream"}

func ident(rng *rand.Rand) (string, string) {
	return verbs[rng.IntN(len(verbs))], nouns[rng.IntN(len(nouns))]
}

func writeCode(sb *strings.Builder, rng *rand.Rand, lang string, size int) {
	switch lang {
	case "go":
		sb.WriteString("package store\n\nimport (\n\t\"errors\"\n\t\"fmt\"\n)\n\n")
	case "python":
		sb.WriteString("import os\nimport sys\nfrom typing import Optional\n\n\n")
	case "c":
		sb.WriteString("#include <stdio.h>\n#include <stdlib.h>\n#include <string.h>\n\n")
	}
	for i := 0; sb.Len() < size; i++ {
		verb, noun := ident(rng)
		limit := 16 + rng.IntN(4096)
		switch lang {
		case "go":
			fmt.Fprintf(sb, `// %s%s%d %ss the %s at p.
func %s%s%d(p []byte) (int, error) {
	if len(p) > %d {
		return 0, fmt.Errorf("%s %s: %%d bytes", len(p))
	}
	n := 0
	for _, b := range p {
		if b == 0 {
			return n, errors.New("unexpected zero byte")
		}
		n++
	}
	return n, nil
}

`, verb, title.String(noun), i, verb, noun, verb, title.String(noun), i, limit, verb, noun)
		case "python":
			fmt.Fprintf(sb, `def %s_%s_%d(data: bytes, limit: int = %d) -> Optional[int]:
    """%s the %s."""
    if len(data) > limit:
        raise ValueError(f"%s {len(data)} bytes")
    count = 0
    for b in data:
        if b == 0:
            return None
        count += 1
    return count


`, verb, noun, i, limit, title.String(verb), noun, noun)
		case "c":
			fmt.Fprintf(sb, `static int %s_%s_%d(const unsigned char *p, size_t len)
{
    size_t i;
    if (len > %d) {
        fprintf(stderr, "%s: %%zu bytes\n", len);
        return -1;
    }
    for (i = 0; i < len; i++) {
        if (p[i] == 0)
            return -1;
    }
    return (int)i;
}

`, verb, noun, i, limit, noun)
		}
	}
}

var firstNames = []string{"ana", "bo", "chen", "dmitri", "eva", "farid", "grace", "hiro"}

func writeRecords(sb *strings.Builder, rng *rand.Rand, format string, size int) {
	switch format {
	case "json":
		sb.WriteString("[\n")
		for id := 1; sb.Len() < size; id++ {
			name := firstNames[rng.IntN(len(firstNames))]
			fmt.Fprintf(sb, "  {\"id\": %d, \"user\": %q, \"email\": \"%s%d@example.org\", \"active\": %t, \"score\": %d.%02d},\n",
				id, name, name, id, rng.IntN(3) > 0, rng.IntN(100), rng.IntN(100))
		}
		sb.WriteString("]\n")
	case "csv":
		sb.WriteString("id,user,country,amount,created\n")
		countries := []string{"AR", "DE", "JP", "KE", "NZ", "US"}
		for id := 1; sb.Len() < size; id++ {
			fmt.Fprintf(sb, "%d,%s,%s,%d.%02d,2024-%02d-%02dT%02d:%02d:00Z\n",
				id, firstNames[rng.IntN(len(firstNames))], countries[rng.IntN(len(countries))],
				rng.IntN(5000), rng.IntN(100), 1+rng.IntN(12), 1+rng.IntN(28), rng.IntN(24), rng.IntN(60))
		}
	case "log":
		paths := []string{"/", "/login", "/api/v1/items", "/api/v1/items/42", "/static/app.js", "/healthz"}
		codes := []int{200, 200, 200, 204, 301, 404, 500}
		for sb.Len() < size {
			fmt.Fprintf(sb, "10.0.%d.%d - - [01/Mar/2024:12:%02d:%02d +0000] \"GET %s HTTP/1.1\" %d %d\n",
				rng.IntN(4), rng.IntN(256), rng.IntN(60), rng.IntN(60),
				paths[rng.IntN(len(paths))], codes[rng.IntN(len(codes))], rng.IntN(20000))
		}
	}
}

func writeMarkup(sb *strings.Builder, rng *rand.Rand, format string, size int) {
	prose := sentences["en"]
	switch format {
	case "html":
		sb.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head><meta charset=\"utf-8\"><title>Report</title></head>\n<body>\n")
		for i := 1; sb.Len() < size; i++ {
			fmt.Fprintf(sb, "<section id=\"s%d\" class=\"card\">\n  <h2>Section %d</h2>\n  <p>%s</p>\n  <ul>\n", i, i, prose[rng.IntN(len(prose))])
			for j := 0; j < 3; j++ {
				fmt.Fprintf(sb, "    <li><a href=\"/items/%d\">%s</a></li>\n", rng.IntN(1000), nouns[rng.IntN(len(nouns))])
			}
			sb.WriteString("  </ul>\n</section>\n")
		}
		sb.WriteString("</body>\n</html>\n")
	case "markdown":
		for i := 1; sb.Len() < size; i++ {
			verb, noun := ident(rng)
			fmt.Fprintf(sb, "## %d. How to %s a %s\n\n%s\n\n- **%s**: %s\n- see [%s](https://example.org/%s)\n\n```\n%s --%s %d\n```\n\n",
				i, verb, noun, prose[rng.IntN(len(prose))], noun, prose[rng.IntN(len(prose))], noun, noun, verb, noun, rng.IntN(100))
		}
	}
}

func binaryContent(rng *rand.Rand, id string, size int) []byte {
	out := make([]byte, 0, size)
	switch id {
	case "runs":
		for len(out) < size {
			b := byte(rng.IntN(4))
			for n := 1 + rng.IntN(300); n > 0 && len(out) < size; n-- {
				out = append(out, b)
			}
		}
	case "table":
		// Little-endian uint32 samples of a slow random walk.
		v := uint32(1 << 20)
		for len(out) < size {
			v += uint32(rng.IntN(64)) - 32
			out = append(out, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
		}
		out = out[:size]
	default:
		for len(out) < size {
			out = append(out, byte(rng.Uint32()))
		}
	}
	return out
}
