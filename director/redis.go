package director

import (
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/mdmdirector/mdmrelay/utils"
)

func RedisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%v:%v", utils.RedisHost(), utils.RedisPort()),
		Password: utils.RedisPassword(),
		DB:       0,
	})
}
