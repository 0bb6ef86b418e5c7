package icons

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Cache 图标内容哈希（sha256 hex）到公开 URL 的映射，只由 Resolver 持有和修改
type Cache struct {
	entries map[string]string
}

func NewCache(entries map[string]string) *Cache {
	c := &Cache{entries: make(map[string]string, len(entries))}
	c.Merge(entries)
	return c
}

// LoadCache 读取 JSON 格式的缓存文件；文件不存在视为首次运行，返回空缓存。
// 与配置文件不同，缺失的图标缓存不算启动错误，格式损坏才算
func LoadCache(path string) (*Cache, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewCache(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read icon cache %s: %w", path, err)
	}

	var entries map[string]string
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("parse icon cache %s: %w", path, err)
		}
	}
	return NewCache(entries), nil
}

func (c *Cache) Get(hash string) (string, bool) {
	u, ok := c.entries[hash]
	return u, ok
}

func (c *Cache) Put(hash, url string) {
	c.entries[hash] = url
}

// Merge 合并外部来源（例如数据库）的条目，已存在的条目不覆盖
func (c *Cache) Merge(entries map[string]string) {
	for h, u := range entries {
		if h == "" || u == "" {
			continue
		}
		if _, ok := c.entries[h]; !ok {
			c.entries[h] = u
		}
	}
}

func (c *Cache) Len() int {
	return len(c.entries)
}

// Snapshot 返回一份拷贝
func (c *Cache) Snapshot() map[string]string {
	out := make(map[string]string, len(c.entries))
	for h, u := range c.entries {
		out[h] = u
	}
	return out
}

// Save 写入 JSON 文件，先写临时文件再 rename，避免中途退出留下半个文件
func (c *Cache) Save(path string) error {
	// encoding/json 对 map 的 key 排序，输出稳定
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode icon cache: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write icon cache %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace icon cache %s: %w", path, err)
	}
	return nil
}
