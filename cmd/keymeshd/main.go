package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"keymesh/internal/config"
	"keymesh/internal/service/blob"
	"keymesh/internal/service/directory"
	redisSvc "keymesh/internal/service/redis"
	"keymesh/internal/service/server"
	"keymesh/internal/storage/kv"
	"keymesh/internal/utils/log"
	"keymesh/internal/version"
)

func main() {
	confPath := flag.String("config", "", "path to a TOML config file")
	writeConf := flag.String("write-config", "", "write the default config to the given path and exit")
	flag.Parse()

	if *writeConf != "" {
		if err := config.Default().Save(*writeConf); err != nil {
			log.Fatal("write config failed", zap.Error(err))
		}
		return
	}

	conf := config.Default()
	if *confPath != "" {
		loaded, err := config.Load(*confPath)
		if err != nil {
			log.Fatal("load config failed", zap.Error(err))
		}
		conf = loaded
	}

	if err := log.Init(conf.Logger.Level, conf.Logger.JSON); err != nil {
		log.Fatal("init logger failed", zap.Error(err))
	}
	defer log.Sync()
	log.Info("keymeshd starting", zap.String("version", version.Version))

	mongoClient, err := initMongo(conf.Mongo.URI)
	if err != nil {
		log.Fatal("connect mongo failed", zap.Error(err))
	}
	db := mongoClient.Database(conf.Mongo.Database)

	blobs, closeBlobs, err := initBlobs(conf)
	if err != nil {
		log.Fatal("open blob store failed", zap.Error(err))
	}
	defer closeBlobs()

	srv := server.NewHttpServer(conf.Addr, directory.NewMongo(db), blobs)
	srv.Run()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown failed", zap.Error(err))
	}
	if err := mongoClient.Disconnect(ctx); err != nil {
		log.Error("mongo disconnect failed", zap.Error(err))
	}
}

func initMongo(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}

// initBlobs picks the blob backend: redis when configured, LevelDB when a
// path is given, process memory otherwise.
func initBlobs(conf *config.Server) (blob.Store, func(), error) {
	if conf.Redis.Addr != "" {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		return blob.NewRedis(redisSvc.NewRedis(rdb)), func() { rdb.Close() }, nil
	}

	if conf.Blob.Path != "" {
		db, err := kv.OpenLevelDB(conf.Blob.Path)
		if err != nil {
			return nil, nil, err
		}
		return blob.NewKV(db), func() { db.Close() }, nil
	}

	return blob.NewMemory(), func() {}, nil
}
